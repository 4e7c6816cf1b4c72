// internal/broker/agentapi.go
// The Agent Protocol Endpoint: the single HTTP surface a NAT'd agent polls to
// collect queued requests (GET) and deliver completed responses (POST). Both
// verbs share one path and are discriminated only by method, per spec §4.4.
package broker

import (
	"io"
	"net/http"

	"github.com/flarebridge/tunnel/internal/metrics"
	"github.com/flarebridge/tunnel/internal/util"
	"github.com/flarebridge/tunnel/pkg/wire"
)

// handleAgent dispatches GET/POST calls already known to carry the
// x-proxy-secret header (routing happens in listener.go).
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	logID := util.MustNewLogID()

	outcome := s.auth.classify(r.Header.Get(SecretHeader))
	switch outcome {
	case authBadEncoding:
		metrics.AuthFailuresTotal.Inc()
		s.Logger().Warnw("agent auth bad encoding", "log_id", logID)
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	case authWrongSecret:
		metrics.AuthFailuresTotal.Inc()
		s.Logger().Warnw("agent auth rejected", "log_id", logID, "remote", r.RemoteAddr)
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleAgentPoll(w, r, logID)
	case http.MethodPost:
		s.handleAgentDeliver(w, r, logID)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "405 Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleAgentPoll pops the oldest pending request, if any, and returns it as
// a wire.ProxiedRequest. An empty queue yields 204 No Content, after which the
// agent's poll loop pauses briefly before re-issuing the GET.
func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request, logID string) {
	metrics.AgentPollTotal.Inc()

	pr, ok := s.store.PopNext()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	_, span := s.startSpan(r.Context(), "tunnel.agent_poll", pr.ID)
	defer span.End()

	doc := wire.ProxiedRequest{
		ID:      pr.ID,
		Method:  pr.Method,
		URI:     pr.URI,
		Version: pr.Version,
		Headers: pr.Headers,
		Body:    pr.Body,
	}
	payload, err := wire.EncodeRequest(doc)
	if err != nil {
		// The request is already popped; put it back is not worth the
		// complexity for what should never happen (doc built from our own
		// types). Cancel it so the original caller fails fast instead of
		// hanging until the ingress timeout.
		s.store.Cancel(pr.ID)
		s.Logger().Errorw("agent poll encode failed", "log_id", logID, "id", pr.ID, "err", err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
	s.Logger().Infow("agent polled request", "log_id", logID, "id", pr.ID, "method", pr.Method)
}

// handleAgentDeliver parses a wire.ClientResponse body and deposits it into
// the Correlation Store's ready table, waking the ingress caller if it is
// still waiting.
func (s *Server) handleAgentDeliver(w http.ResponseWriter, r *http.Request, logID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger().Warnw("agent deliver body read failed", "log_id", logID, "err", err)
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}

	doc, err := wire.DecodeResponse(body)
	if err != nil {
		if decErr, ok := err.(*wire.DecodeError); ok {
			s.Logger().Warnw("agent deliver decode failed", "log_id", logID, "stage", decErr.Stage, "err", decErr.Err)
		}
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}

	if len(doc.SkippedHeaders) > 0 {
		s.Logger().Warnw("agent deliver dropped invalid header names", "log_id", logID, "id", doc.RequestID, "headers", doc.SkippedHeaders)
	}

	resp := ProxiedResponse{
		RequestID: doc.RequestID,
		Status:    doc.Status,
		Headers:   doc.Headers,
		Body:      doc.Body,
	}

	if s.store.Deposit(doc.RequestID, resp) {
		s.Logger().Debugw("agent deliver displaced a stale ready entry", "log_id", logID, "id", doc.RequestID)
	}
	s.Logger().Infow("agent delivered response", "log_id", logID, "id", doc.RequestID, "status", doc.Status)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc.RequestID)
}
