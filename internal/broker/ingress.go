// internal/broker/ingress.go
// The Ingress Listener: accepts arbitrary public HTTP requests, registers
// them with the Correlation Store, suspends the connection until a matching
// response arrives or a deadline fires, and replies. See spec §4.3.
package broker

import (
	"context"
	"io"
	"net/http"

	"github.com/flarebridge/tunnel/internal/metrics"
	"github.com/flarebridge/tunnel/internal/util"
	"github.com/flarebridge/tunnel/pkg/wire"
	"github.com/google/uuid"
)

const timeoutBody = "\U0001F636 Timeout"

// handleIngress implements the per-request algorithm of spec §4.3.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	logID := util.MustNewLogID()

	if limited := s.rateLimited(r); limited {
		metrics.RateLimitedTotal.Inc()
		s.Logger().Warnw("ingress rate limited", "log_id", logID, "remote", r.RemoteAddr)
		http.Error(w, "429 Too Many Requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger().Warnw("ingress body read failed", "log_id", logID, "err", err)
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IngressTimeout)
	defer cancel()
	ctx, span := s.startSpan(ctx, "tunnel.ingress", id)
	defer span.End()

	pr := &PendingRequest{
		ID:      id,
		Method:  r.Method,
		URI:     splitURI(r),
		Version: r.Proto,
		Headers: captureHeaders(r.Header),
		Body:    body,
	}

	done := s.store.Enqueue(pr)
	s.notifyWaiters()
	metrics.IngressTotal.Inc()
	s.Logger().Infow("ingress enqueued", "log_id", logID, "id", id, "method", pr.Method, "path", pr.URI.Path)

	select {
	case resp := <-done:
		if resp == nil {
			// Cancelled on the agent side after being popped (the request
			// could not be encoded for the agent); treat identically to a
			// timeout for the caller.
			s.replyTimeout(w)
			s.Logger().Warnw("ingress cancelled before a response arrived", "log_id", logID, "id", id)
			return
		}
		metrics.ResponsesDeliveredTotal.Inc()
		s.Logger().Infow("ingress completed", "log_id", logID, "id", id, "status", resp.Status)
		writeResponse(w, resp)

	case <-ctx.Done():
		s.store.Cancel(id)
		metrics.TimeoutsTotal.Inc()
		s.Logger().Warnw("ingress timed out", "log_id", logID, "id", id)
		s.replyTimeout(w)
	}
}

func (s *Server) replyTimeout(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = io.WriteString(w, timeoutBody)
}

// writeResponse serialises a ProxiedResponse as the public HTTP reply,
// preserving duplicate headers in order and clamping an out-of-range status.
func writeResponse(w http.ResponseWriter, resp *ProxiedResponse) {
	for _, h := range resp.Headers {
		w.Header().Add(h.Name, string(h.Value))
	}
	w.WriteHeader(wire.ClampStatus(resp.Status))
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// splitURI captures path/query/fragment exactly as received; the path keeps
// its percent-encoding. Go's net/http never populates Fragment server-side
// (clients don't send it), but the field is preserved on the wire for
// forward compatibility per spec.
func splitURI(r *http.Request) wire.URI {
	u := wire.URI{Path: r.URL.EscapedPath()}
	if r.URL.RawQuery != "" {
		q := r.URL.RawQuery
		u.Query = &q
	}
	if r.URL.Fragment != "" {
		f := r.URL.Fragment
		u.Fragment = &f
	}
	return u
}

// captureHeaders flattens http.Header (map[string][]string) into an ordered
// sequence of (name, raw-bytes) pairs, preserving duplicates. Go's http.Header
// does not retain original wire order across distinct header names, but it
// does preserve the order of repeated values for a single name, which is the
// duplicate-preservation guarantee spec §3 actually requires (e.g. multiple
// Set-Cookie).
func captureHeaders(h http.Header) []wire.Header {
	out := make([]wire.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, wire.Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}
