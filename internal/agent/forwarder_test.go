package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flarebridge/tunnel/pkg/wire"
)

func TestForwarderReplaysMethodPathAndBody(t *testing.T) {
	var gotMethod, gotPath, gotHost, gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotHost = r.Host
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("X-Origin", "1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("origin-reply"))
	}))
	defer origin.Close()

	fwd := NewForwarder(ForwarderConfig{OriginHost: "example.internal", BaseURL: origin.URL})

	q := "a=1"
	resp, err := fwd.Forward(t.Context(), wire.ProxiedRequest{
		ID:     "req-1",
		Method: http.MethodPost,
		URI:    wire.URI{Path: "/widgets", Query: &q},
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if gotPath != "/widgets?a=1" {
		t.Errorf("expected /widgets?a=1, got %s", gotPath)
	}
	if gotHost != "example.internal" {
		t.Errorf("expected Host rewritten to example.internal, got %s", gotHost)
	}
	if gotBody != "payload" {
		t.Errorf("expected body 'payload', got %q", gotBody)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("expected status 201, got %d", resp.Status)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("expected request id preserved, got %s", resp.RequestID)
	}
	if string(resp.Body) != "origin-reply" {
		t.Errorf("expected body 'origin-reply', got %q", resp.Body)
	}
}

func TestForwarderDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	fwd := NewForwarder(ForwarderConfig{OriginHost: "x", BaseURL: origin.URL})
	resp, err := fwd.Forward(t.Context(), wire.ProxiedRequest{ID: "req-2", Method: http.MethodGet, URI: wire.URI{Path: "/"}})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Status != http.StatusFound {
		t.Fatalf("expected the raw 302 to be surfaced, got %d", resp.Status)
	}
}
