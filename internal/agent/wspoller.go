// internal/agent/wspoller.go
// Optional push-channel transport for the agent: instead of long-polling
// GET, maintain one WebSocket connection to the broker and receive requests
// the moment they're pushed. Reconnects with the same backoff policy as the
// long-poll Poller. Selected via PROXY_TRANSPORT=ws.
package agent

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/flarebridge/tunnel/internal/logging"
	"github.com/flarebridge/tunnel/pkg/wire"
)

// WSPoller is the push-channel counterpart to Poller; same Config, same
// Forwarder, different transport.
type WSPoller struct {
	cfg Config
	fwd *Forwarder

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWSPoller constructs a push-channel agent transport.
func NewWSPoller(cfg Config) *WSPoller {
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 2 * time.Second
	}
	return &WSPoller{cfg: cfg, fwd: NewForwarder(cfg.Forwarder)}
}

// Start connects (with reconnect-on-failure) in a background goroutine.
func (p *WSPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		return
	}
	p.quit = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.quit)
}

// Stop disconnects and waits for the background goroutine to exit.
func (p *WSPoller) Stop() {
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

func (p *WSPoller) run(quit chan struct{}) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = p.cfg.PollBackoffMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-quit:
			return
		default:
		}
		if err := p.connectAndServe(quit); err != nil {
			wait := bo.NextBackOff()
			logging.Sugar().Warnw("ws connect failed", "err", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-quit:
				return
			}
			continue
		}
		bo.Reset()
	}
}

// connectAndServe dials the broker's /ws endpoint and services requests
// until the connection drops or quit fires.
func (p *WSPoller) connectAndServe(quit chan struct{}) error {
	wsURL, err := toWebSocketURL(p.cfg.BrokerURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("x-proxy-secret", p.cfg.Secret)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	logging.Sugar().Infow("ws connected", "url", wsURL)

	done := make(chan struct{})
	go func() {
		<-quit
		_ = conn.Close()
		close(done)
	}()

	// gorilla/websocket requires that at most one goroutine at a time call
	// the connection's write methods. Requests are handled concurrently (one
	// goroutine per in-flight origin round-trip), so their completed replies
	// are funnelled through this single writer goroutine instead of writing
	// to conn directly.
	outbox := make(chan []byte)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range outbox {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logging.Sugar().Warnw("ws write response failed", "err", err)
				return
			}
		}
	}()
	var handlers sync.WaitGroup
	defer func() {
		// Every in-flight handler must finish (and stop sending to outbox)
		// before outbox is closed, or a late send panics on a closed channel.
		handlers.Wait()
		close(outbox)
		<-writerDone
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			logging.Sugar().Warnw("ws decode failed", "err", err)
			continue
		}
		if len(req.SkippedHeaders) > 0 {
			logging.Sugar().Warnw("ws poll dropped invalid header names", "id", req.ID, "headers", req.SkippedHeaders)
		}
		handlers.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer handlers.Done()
			p.handle(outbox, req)
		}()
	}
}

// handle forwards req to the origin and hands the encoded reply to the
// connection's single writer goroutine rather than writing to the socket
// itself.
func (p *WSPoller) handle(outbox chan<- []byte, req wire.ProxiedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := p.fwd.Forward(ctx, req)
	if err != nil {
		logging.Sugar().Warnw("origin forward failed", "id", req.ID, "err", err)
		resp = wire.ClientResponse{RequestID: req.ID, Status: http.StatusBadGateway}
	}

	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		logging.Sugar().Errorw("ws encode response failed", "id", req.ID, "err", err)
		return
	}
	outbox <- payload
}

// toWebSocketURL rewrites an http(s) broker URL to its ws(s) equivalent at
// the /ws path.
func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
