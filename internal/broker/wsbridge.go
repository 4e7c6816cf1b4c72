// internal/broker/wsbridge.go
// Optional push-channel transport: instead of an agent long-polling GET
// /, it may upgrade to a WebSocket and receive queued requests the
// moment they're enqueued, without the latency of a poll interval. Gated by
// the same x-proxy-secret header as the long-poll endpoint. Purely additive —
// the long-poll endpoint keeps working for agents that never upgrade.
package broker

import (
	"net/http"
	"time"

	"github.com/flarebridge/tunnel/internal/metrics"
	"github.com/flarebridge/tunnel/internal/util"
	"github.com/flarebridge/tunnel/pkg/wire"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are not browsers; origin checks don't apply to this
		// transport and the secret header is the actual gate.
		return true
	},
}

// handleWebSocket upgrades an authorised agent connection and pushes queued
// requests to it as they're popped from Q, falling back to a short poll
// interval so a missed wake signal can never stall delivery indefinitely.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logID := util.MustNewLogID()

	if outcome := s.auth.classify(r.Header.Get(SecretHeader)); outcome != authOK {
		metrics.AuthFailuresTotal.Inc()
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger().Warnw("ws upgrade failed", "log_id", logID, "err", err)
		return
	}
	defer conn.Close()

	s.Logger().Infow("agent ws connected", "log_id", logID, "remote", r.RemoteAddr)

	// A dedicated reader goroutine drains delivered responses; a closed or
	// broken connection is detected via its read error.
	deliverErrs := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				deliverErrs <- err
				return
			}
			s.deliverWSResponse(payload, logID)
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-deliverErrs:
			s.Logger().Infow("agent ws disconnected", "log_id", logID, "err", err)
			return
		case <-s.wake:
			s.drainToWS(conn, logID)
		case <-ticker.C:
			s.drainToWS(conn, logID)
		}
	}
}

// drainToWS pops every currently-queued request and pushes it, so a batch of
// wake signals collapsed into one doesn't leave anything behind.
func (s *Server) drainToWS(conn *websocket.Conn, logID string) {
	for {
		pr, ok := s.store.PopNext()
		if !ok {
			return
		}
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
			s.store.Cancel(pr.ID)
			s.Logger().Errorw("ws encode failed", "log_id", logID, "id", pr.ID, "err", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			// The connection is going away; put this one back so the
			// long-poll path (or a reconnect) can still pick it up instead
			// of leaving the caller hanging until the ingress timeout.
			s.store.Requeue(pr)
			s.Logger().Warnw("ws write failed", "log_id", logID, "id", pr.ID, "err", err)
			return
		}
		metrics.AgentPollTotal.Inc()
	}
}

// deliverWSResponse parses and deposits one agent-sent response frame,
// mirroring handleAgentDeliver's semantics for the long-poll transport.
func (s *Server) deliverWSResponse(payload []byte, logID string) {
	doc, err := wire.DecodeResponse(payload)
	if err != nil {
		if decErr, ok := err.(*wire.DecodeError); ok {
			s.Logger().Warnw("ws deliver decode failed", "log_id", logID, "stage", decErr.Stage, "err", decErr.Err)
		}
		return
	}
	if len(doc.SkippedHeaders) > 0 {
		s.Logger().Warnw("ws deliver dropped invalid header names", "log_id", logID, "id", doc.RequestID, "headers", doc.SkippedHeaders)
	}

	resp := ProxiedResponse{
		RequestID: doc.RequestID,
		Status:    doc.Status,
		Headers:   doc.Headers,
		Body:      doc.Body,
	}
	s.store.Deposit(doc.RequestID, resp)
	s.Logger().Infow("ws delivered response", "log_id", logID, "id", doc.RequestID, "status", doc.Status)
}
