// internal/agent/forwarder.go
// The Origin Forwarder: replays a wire.ProxiedRequest against the agent's
// local origin server and captures the reply as a wire.ClientResponse. See
// spec §4.2.
package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/flarebridge/tunnel/pkg/wire"
)

// maxOriginBody caps how much of an origin reply is buffered into memory
// before being shipped back over the tunnel as one wire document.
const maxOriginBody = 16 << 20 // 16 MiB

// ForwarderConfig parameterises how requests are replayed against the
// origin.
type ForwarderConfig struct {
	// OriginHost is written into the outgoing Host header and request line,
	// overriding whatever Host the public caller sent to the broker.
	OriginHost string

	// BaseURL is the scheme+host:port the local origin actually listens on,
	// e.g. "http://127.0.0.1:8000".
	BaseURL string

	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// Forwarder replays captured requests against a local origin server.
type Forwarder struct {
	cfg ForwarderConfig
	cli *http.Client
}

// NewForwarder builds a Forwarder. Redirects are never followed — the
// caller on the public side must see the origin's raw 3xx, exactly as spec
// requires.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &Forwarder{
		cfg: cfg,
		cli: &http.Client{
			Transport: transport,
			Timeout:   cfg.TotalTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward replays req against the origin and returns the captured reply. A
// transport-level failure (origin unreachable, timeout) is surfaced as an
// error; the caller maps that to a synthetic 502 per spec's error handling
// design rather than leaving the broker side waiting.
func (f *Forwarder) Forward(ctx context.Context, req wire.ProxiedRequest) (wire.ClientResponse, error) {
	url := f.cfg.BaseURL + req.URI.Path
	if req.URI.Query != nil {
		url += "?" + *req.URI.Query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return wire.ClientResponse{}, err
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, string(h.Value))
	}
	httpReq.Host = f.cfg.OriginHost

	resp, err := f.cli.Do(httpReq)
	if err != nil {
		return wire.ClientResponse{}, err
	}
	defer resp.Body.Close()

	body, err := readAllCapped(resp.Body)
	if err != nil {
		return wire.ClientResponse{}, err
	}

	headers := make([]wire.Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, wire.Header{Name: name, Value: []byte(v)})
		}
	}

	return wire.ClientResponse{
		RequestID: req.ID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      body,
	}, nil
}

// readAllCapped reads up to maxOriginBody bytes of r.
func readAllCapped(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxOriginBody))
}
