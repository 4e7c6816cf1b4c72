package broker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flarebridge/tunnel/pkg/wire"
)

func newTestServer(t *testing.T, ingressTimeout time.Duration) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IngressTimeout = ingressTimeout
	cfg.GCGrace = time.Minute
	cfg.Secret = "test-secret"
	srv := New(cfg)
	t.Cleanup(srv.Close)
	return srv
}

func TestIngressTimesOutWhenNoAgentResponds(t *testing.T) {
	srv := newTestServer(t, 50*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()

	srv.handleIngress(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestIngressDeliversAgentResponse(t *testing.T) {
	srv := newTestServer(t, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/hello?x=1", strings.NewReader("body"))
	rec := httptest.NewRecorder()

	go func() {
		// Wait for the ingress handler to enqueue, then act as the agent.
		var pr *PendingRequest
		for pr == nil {
			pr, _ = srv.store.PopNext()
			if pr == nil {
				time.Sleep(time.Millisecond)
			}
		}
		srv.store.Deposit(pr.ID, ProxiedResponse{
			Status:  201,
			Headers: []wire.Header{{Name: "X-Test", Value: []byte("yes")}},
			Body:    []byte("created"),
		})
	}()

	srv.handleIngress(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Fatalf("expected body 'created', got %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Test"); got != "yes" {
		t.Fatalf("expected header X-Test=yes, got %q", got)
	}
}

func TestIngressRateLimited(t *testing.T) {
	srv := newTestServer(t, time.Second)
	srv.cfg.RateLimit = denyAllLimiter{}

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()

	srv.handleIngress(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := srv.Stats().QueueDepth; got != 0 {
		t.Fatalf("expected a rate-limited call to never reach the store, queue depth %d", got)
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }
