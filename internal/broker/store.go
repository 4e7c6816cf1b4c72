// internal/broker/store.go
// Package broker implements the tunnel's matching engine: the queue of
// pending requests, the table of awaited responses, the long-poll GET /
// response POST protocol between broker and agent, and the HTTP server shell
// that ties them together.
//
// Store owns Q (the FIFO of PendingRequest) and R (the ready table of
// ProxiedResponse) and is the only party that mutates either. Every
// operation takes a single short-held lock; no lock is ever held across a
// network-I/O suspension point. Each RequestId gets its own one-shot
// completion channel instead of a shared polling future, so deposit/cancel
// race-free resolve it without a back-reference cycle.
package broker

import (
	"container/list"
	"sync"
	"time"

	"github.com/flarebridge/tunnel/internal/logging"
	"github.com/flarebridge/tunnel/internal/metrics"
	"github.com/flarebridge/tunnel/pkg/wire"
)

// PendingRequest is the captured public request awaiting fulfilment.
type PendingRequest struct {
	ID      string
	Method  string
	URI     wire.URI
	Version string
	Headers []wire.Header
	Body    []byte

	// done is resolved exactly once, by whichever of {deposit, cancel} runs
	// first for this ID. It carries the response on success, or a nil
	// response to signal cancellation.
	done chan *ProxiedResponse
}

// ProxiedResponse is an HTTP response produced by the agent.
type ProxiedResponse struct {
	RequestID string
	Status    int
	Headers   []wire.Header
	Body      []byte
	Deposited time.Time
}

// Stats is a point-in-time snapshot of store occupancy, consumed by
// /metrics and structured log lines.
type Stats struct {
	QueueDepth int
	ReadyCount int
}

// Store owns Q and R. The zero value is not usable; construct with
// NewStore.
type Store struct {
	gcGrace time.Duration

	mu       sync.Mutex
	queue    *list.List               // of *PendingRequest, FIFO: front = head
	byID     map[string]*list.Element // RequestId -> position in queue
	inFlight map[string]*PendingRequest
	ready    map[string]*ProxiedResponse

	stopGC chan struct{}
	gcWG   sync.WaitGroup
}

// NewStore constructs a Store and starts its background GC sweep. gcGrace
// defaults to 60s when zero, per spec.
func NewStore(gcGrace time.Duration) *Store {
	if gcGrace <= 0 {
		gcGrace = 60 * time.Second
	}
	s := &Store{
		gcGrace:  gcGrace,
		queue:    list.New(),
		byID:     make(map[string]*list.Element),
		inFlight: make(map[string]*PendingRequest),
		ready:    make(map[string]*ProxiedResponse),
		stopGC:   make(chan struct{}),
	}
	s.gcWG.Add(1)
	go s.runGC()
	return s
}

// Close stops the background GC sweep. Safe to call once.
func (s *Store) Close() {
	close(s.stopGC)
	s.gcWG.Wait()
}

// Enqueue appends pr at the tail of Q and returns the completion channel the
// caller must select on. The channel receives at most one value and is never
// closed.
func (s *Store) Enqueue(pr *PendingRequest) <-chan *ProxiedResponse {
	pr.done = make(chan *ProxiedResponse, 1)
	s.mu.Lock()
	el := s.queue.PushBack(pr)
	s.byID[pr.ID] = el
	depth := s.queue.Len()
	s.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
	return pr.done
}

// PopNext removes and returns the head of Q, or ok=false if Q is empty.
// Popping moves the RequestId from Q to "in-flight at agent" bookkeeping so a
// concurrent Cancel can no longer remove it from the queue.
func (s *Store) PopNext() (pr *PendingRequest, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.queue.Front()
	if front == nil {
		return nil, false
	}
	pr = s.queue.Remove(front).(*PendingRequest)
	delete(s.byID, pr.ID)
	s.inFlight[pr.ID] = pr
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	return pr, true
}

// Cancel removes pr from Q (if still queued) and resolves its completion
// channel with no response, unblocking the waiting ingress handler. Returns
// whether an entry was actually removed from Q — false means the agent had
// already popped it (it may be in flight or already delivered).
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	el, queued := s.byID[id]
	if queued {
		s.queue.Remove(el)
		delete(s.byID, id)
	}
	pr, wasInFlight := s.inFlight[id]
	delete(s.inFlight, id)
	if queued {
		metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
	s.mu.Unlock()

	if queued {
		s.resolve(el.Value.(*PendingRequest), nil)
		return true
	}
	if wasInFlight {
		// Racing with a deposit that may land a moment later; that deposit
		// will simply sit in R until GC, per spec.
		s.resolve(pr, nil)
	}
	return false
}

// Requeue puts pr back at the head of Q without resolving or otherwise
// touching its completion channel. Used when a request was popped by one
// agent transport but could not actually be delivered (e.g. a WebSocket
// write failed mid-flight), so a subsequent poll — by the same agent after
// reconnecting, or a different one — gets a chance to serve it instead of
// leaving the original caller to hit the ingress timeout.
func (s *Store) Requeue(pr *PendingRequest) {
	s.mu.Lock()
	delete(s.inFlight, pr.ID)
	el := s.queue.PushFront(pr)
	s.byID[pr.ID] = el
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()
}

// Deposit resolves the completion channel for the matching PendingRequest if
// one is still waiting (the common case — the response is handed straight
// to the blocked ingress handler and never touches R). If nothing is
// waiting, the response goes into R, where it stays until the GC sweep
// reaps it; Store has no operation that reads an entry back out of R.
// Returns whether an existing R entry was displaced.
func (s *Store) Deposit(id string, resp ProxiedResponse) bool {
	resp.Deposited = time.Now()

	s.mu.Lock()
	pr, waiting := s.inFlight[id]
	if waiting {
		delete(s.inFlight, id)
		s.mu.Unlock()
		s.resolve(pr, &resp)
		return false
	}
	_, displaced := s.ready[id]
	s.ready[id] = &resp
	metrics.ReadyCount.Set(float64(len(s.ready)))
	s.mu.Unlock()
	return displaced
}

// resolve delivers resp on pr.done without blocking; the channel is
// buffered with capacity 1 and written at most once per spec's race-free
// guarantee, so this never blocks.
func (s *Store) resolve(pr *PendingRequest, resp *ProxiedResponse) {
	select {
	case pr.done <- resp:
	default:
		// Already resolved by the other racer; nothing to do.
	}
}

// Stats returns a point-in-time snapshot of occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{QueueDepth: s.queue.Len(), ReadyCount: len(s.ready)}
}

// runGC periodically reaps ready-table entries older than gcGrace. An entry
// only lands in R when no ingress handler was waiting for it (it had already
// timed out and cancelled, or the id was never issued), so it is orphaned.
func (s *Store) runGC() {
	defer s.gcWG.Done()
	t := time.NewTicker(s.gcGrace / 4)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.gcGrace)
	s.mu.Lock()
	var reaped int
	for id, resp := range s.ready {
		if resp.Deposited.Before(cutoff) {
			delete(s.ready, id)
			reaped++
		}
	}
	if reaped > 0 {
		metrics.ReadyCount.Set(float64(len(s.ready)))
	}
	s.mu.Unlock()
	if reaped > 0 {
		metrics.ResponsesGCTotal.Add(float64(reaped))
		logging.Sugar().Debugw("gc reaped stale responses", "count", reaped)
	}
}
