// internal/agent/poller.go
// Poller drives the agent side of the tunnel: it repeatedly asks the broker
// for the next pending request by long-poll GET (WSPoller in wspoller.go is
// the WebSocket alternative), replays it against the local origin via a Forwarder, and
// posts the reply back. Lifecycle mirrors the teacher's Collector: construct,
// Start, Stop, safe to call either more than once.
package agent

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flarebridge/tunnel/internal/logging"
	"github.com/flarebridge/tunnel/pkg/wire"
)

// emptyPollDelay is how long the agent sleeps after a 204 before re-polling,
// per spec's "re-poll after a short backoff (≈ 500 ms)".
const emptyPollDelay = 500 * time.Millisecond

// Config tunes the Poller.
type Config struct {
	// BrokerURL is the broker's public address, e.g. "https://tunnel.example.com".
	BrokerURL string
	// Secret is sent as the x-proxy-secret header on every call.
	Secret string

	// PollBackoffMax bounds the reconnect/backoff ceiling between failed
	// polls. Default 2s per spec.
	PollBackoffMax time.Duration

	Forwarder ForwarderConfig
}

// Poller owns the poll loop and its HTTP client.
type Poller struct {
	cfg Config
	fwd *Forwarder
	cli *http.Client

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPoller constructs a Poller. Call Start to begin polling.
func NewPoller(cfg Config) *Poller {
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 2 * time.Second
	}
	return &Poller{
		cfg: cfg,
		fwd: NewForwarder(cfg.Forwarder),
		cli: &http.Client{Timeout: 20 * time.Second},
	}
}

// Start launches the poll loop in its own goroutine. Idempotent.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		return
	}
	p.quit = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.quit)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	quit := p.quit
	p.quit = nil
	p.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	p.wg.Wait()
}

// run is the main poll loop. A successful poll (200 or 204) resets the
// back-off; a transport failure advances it, capped at PollBackoffMax.
func (p *Poller) run(quit chan struct{}) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = p.cfg.PollBackoffMax
	bo.MaxElapsedTime = 0 // never give up; the tunnel is meant to run forever

	for {
		select {
		case <-quit:
			return
		default:
		}

		req, ok, err := p.pollOnce(quit)
		if err != nil {
			wait := bo.NextBackOff()
			logging.Sugar().Warnw("poll failed", "err", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-quit:
				return
			}
			continue
		}
		bo.Reset()
		if !ok {
			select {
			case <-time.After(emptyPollDelay):
			case <-quit:
				return
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(req)
		}()
	}
}

// pollOnce issues one GET against the broker's agent endpoint. ok=false with
// a nil error means the queue was empty (204 No Content).
func (p *Poller) pollOnce(quit chan struct{}) (wire.ProxiedRequest, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BrokerURL, nil)
	if err != nil {
		return wire.ProxiedRequest{}, false, err
	}
	httpReq.Header.Set("x-proxy-secret", p.cfg.Secret)

	resp, err := p.cli.Do(httpReq)
	if err != nil {
		return wire.ProxiedRequest{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return wire.ProxiedRequest{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return wire.ProxiedRequest{}, false, &unexpectedStatusError{resp.StatusCode}
	}

	body, err := readAllCapped(resp.Body)
	if err != nil {
		return wire.ProxiedRequest{}, false, err
	}
	doc, err := wire.DecodeRequest(body)
	if err != nil {
		return wire.ProxiedRequest{}, false, err
	}
	if len(doc.SkippedHeaders) > 0 {
		logging.Sugar().Warnw("poll dropped invalid header names", "id", doc.ID, "headers", doc.SkippedHeaders)
	}
	return doc, true, nil
}

// handle forwards req to the origin and posts the reply back to the broker.
// A forwarding failure still produces a best-effort synthetic 502 reply so
// the public caller doesn't hang until the broker's ingress timeout.
func (p *Poller) handle(req wire.ProxiedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := p.fwd.Forward(ctx, req)
	if err != nil {
		logging.Sugar().Warnw("origin forward failed", "id", req.ID, "err", err)
		resp = wire.ClientResponse{RequestID: req.ID, Status: http.StatusBadGateway}
	}

	if err := p.deliver(resp); err != nil {
		logging.Logger().Error("deliver response failed", zap.String("id", req.ID), zap.Error(err))
	}
}

// deliver POSTs resp back to the broker's agent endpoint.
func (p *Poller) deliver(resp wire.ClientResponse) error {
	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BrokerURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-proxy-secret", p.cfg.Secret)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.cli.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return nil
}

type unexpectedStatusError struct{ status int }

func (e *unexpectedStatusError) Error() string {
	return "unexpected poll response status " + http.StatusText(e.status)
}
