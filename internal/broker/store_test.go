package broker

import (
	"testing"
	"time"

	"github.com/flarebridge/tunnel/pkg/wire"
)

func TestStoreEnqueuePopDeposit(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	pr := &PendingRequest{ID: "req-1", Method: "GET", URI: wire.URI{Path: "/"}}
	done := s.Enqueue(pr)

	popped, ok := s.PopNext()
	if !ok {
		t.Fatal("expected PopNext to return the enqueued request")
	}
	if popped.ID != "req-1" {
		t.Errorf("expected popped ID req-1, got %s", popped.ID)
	}

	s.Deposit("req-1", ProxiedResponse{Status: 200, Body: []byte("ok")})

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("expected a response, got nil")
		}
		if resp.Status != 200 {
			t.Errorf("expected status 200, got %d", resp.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deposit to resolve the completion channel")
	}
}

func TestStoreCancelBeforePop(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	pr := &PendingRequest{ID: "req-2", Method: "GET", URI: wire.URI{Path: "/"}}
	done := s.Enqueue(pr)

	if !s.Cancel("req-2") {
		t.Fatal("expected Cancel to report the request was still queued")
	}

	select {
	case resp := <-done:
		if resp != nil {
			t.Fatal("expected nil response on cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel to resolve the completion channel")
	}

	if _, ok := s.PopNext(); ok {
		t.Fatal("expected queue to be empty after cancel")
	}
}

func TestStoreCancelAfterPop(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	pr := &PendingRequest{ID: "req-3", Method: "GET", URI: wire.URI{Path: "/"}}
	done := s.Enqueue(pr)

	if _, ok := s.PopNext(); !ok {
		t.Fatal("expected PopNext to succeed")
	}

	// The agent popped it but never replied; the ingress side times out and
	// cancels. Cancel should resolve the channel even though the entry is no
	// longer in Q.
	if s.Cancel("req-3") {
		t.Fatal("expected Cancel to report the request was no longer queued")
	}

	select {
	case resp := <-done:
		if resp != nil {
			t.Fatal("expected nil response on cancel-after-pop")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel to resolve the completion channel")
	}
}

func TestStoreDepositAfterCancelIsOrphaned(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	pr := &PendingRequest{ID: "req-4", Method: "GET", URI: wire.URI{Path: "/"}}
	s.Enqueue(pr)
	s.PopNext()
	s.Cancel("req-4")

	// A deposit arriving after the ingress side gave up lands in R rather
	// than being dropped, so a slow-but-eventually-successful agent reply
	// is still observable via Stats until GC reaps it.
	s.Deposit("req-4", ProxiedResponse{Status: 200})

	if got := s.Stats().ReadyCount; got != 1 {
		t.Errorf("expected 1 ready entry, got %d", got)
	}
}

func TestStoreGCReapsStaleReady(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	defer s.Close()

	s.Deposit("orphan", ProxiedResponse{Status: 200})
	if got := s.Stats().ReadyCount; got != 1 {
		t.Fatalf("expected 1 ready entry immediately after deposit, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().ReadyCount == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected GC to reap the stale ready entry within the deadline")
}

func TestStoreFIFOOrder(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(&PendingRequest{ID: id, Method: "GET", URI: wire.URI{Path: "/"}})
	}

	for _, want := range []string{"a", "b", "c"} {
		pr, ok := s.PopNext()
		if !ok || pr.ID != want {
			t.Fatalf("expected FIFO pop order, wanted %s", want)
		}
	}
}
