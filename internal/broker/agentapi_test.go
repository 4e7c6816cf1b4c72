package broker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flarebridge/tunnel/pkg/wire"
)

func TestAgentPollEmptyQueueReturns204(t *testing.T) {
	srv := newTestServer(t, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SecretHeader, "test-secret")
	rec := httptest.NewRecorder()

	srv.handleAgent(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestAgentPollReturnsQueuedRequest(t *testing.T) {
	srv := newTestServer(t, time.Second)
	srv.store.Enqueue(&PendingRequest{ID: "req-1", Method: "GET", URI: wire.URI{Path: "/x"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SecretHeader, "test-secret")
	rec := httptest.NewRecorder()

	srv.handleAgent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc, err := wire.DecodeRequest(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID != "req-1" {
		t.Fatalf("expected id req-1, got %s", doc.ID)
	}
}

func TestAgentWrongSecretRejected(t *testing.T) {
	srv := newTestServer(t, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SecretHeader, "wrong")
	rec := httptest.NewRecorder()

	srv.handleAgent(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAgentDeliverResolvesIngress(t *testing.T) {
	srv := newTestServer(t, time.Second)
	pr := &PendingRequest{ID: "req-2", Method: "GET", URI: wire.URI{Path: "/y"}}
	done := srv.store.Enqueue(pr)
	srv.store.PopNext()

	payload, err := wire.EncodeResponse(wire.ClientResponse{RequestID: "req-2", Status: 200, Body: []byte("hi")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set(SecretHeader, "test-secret")
	rec := httptest.NewRecorder()

	srv.handleAgent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case resp := <-done:
		if resp == nil || string(resp.Body) != "hi" {
			t.Fatalf("expected delivered response body 'hi', got %+v", resp)
		}
	default:
		t.Fatal("expected the completion channel to already be resolved")
	}
}

func TestAgentUnsupportedMethodRejected(t *testing.T) {
	srv := newTestServer(t, time.Second)

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	req.Header.Set(SecretHeader, "test-secret")
	rec := httptest.NewRecorder()

	srv.handleAgent(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
