// internal/broker/server.go
// Package broker exposes a single public HTTP surface that serves both the
// Ingress Listener (§4.3) and the Agent Protocol Endpoint (§4.4). The two are
// discriminated by the presence and value of the x-proxy-secret header, per
// spec — there is no separate port for agents, and the only agent-specific
// path is the optional /ws push channel.
package broker

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/flarebridge/tunnel/internal/broker/ratelimit"
	"github.com/flarebridge/tunnel/internal/logging"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config parameterises a broker Server.
type Config struct {
	ListenAddr  string      // host:port to bind; default ${LISTEN_IP}:${PORT}
	TLSConfig   *tls.Config // nil to serve over plaintext
	TLSCertPath string      // path to TLS certificate (PEM)
	TLSKeyPath  string      // path to TLS key (PEM)

	Secret string // shared secret compared against x-proxy-secret
	JWT    *JWTAuth

	IngressTimeout time.Duration // deadline from enqueue to completion; default 15s
	GCGrace        time.Duration // stale-response grace period; default 60s

	// AgentReadTimeout bounds how long the shared listener will read the body
	// of any one request — including an agent's POST delivering a
	// ClientResponse, which can be considerably larger and slower than a
	// typical public request. Spec recommends >= 30s; default 30s.
	AgentReadTimeout time.Duration

	RateLimit      ratelimit.Limiter // nil disables ingress rate limiting
	EnableMetrics  bool
	MetricsAddr    string // separate host:port for /metrics; never shares the public socket
	EnableWSBridge bool   // expose the optional push-channel transport at /ws

	Tracer trace.Tracer // nil disables span creation (a no-op tracer is still safe)
}

// DefaultConfig returns production-ready defaults suitable for local dev.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:3000",
		IngressTimeout:   15 * time.Second,
		GCGrace:          60 * time.Second,
		AgentReadTimeout: 30 * time.Second,
	}
}

// Server ties the Correlation Store to the HTTP handlers that implement the
// two legs of the tunnel protocol.
type Server struct {
	cfg   Config
	store *Store
	auth  AuthConfig
	wake  chan struct{} // non-blocking signal consumed by the optional ws bridge
}

// New constructs a ready-to-serve broker. The caller must invoke
// ListenAndServe (see listener.go).
func New(cfg Config) *Server {
	if cfg.IngressTimeout <= 0 {
		cfg.IngressTimeout = 15 * time.Second
	}
	if cfg.GCGrace <= 0 {
		cfg.GCGrace = 60 * time.Second
	}
	if cfg.AgentReadTimeout <= 0 {
		cfg.AgentReadTimeout = 30 * time.Second
	}
	return &Server{
		cfg:   cfg,
		store: NewStore(cfg.GCGrace),
		auth:  AuthConfig{Secret: cfg.Secret, JWT: cfg.JWT},
		wake:  make(chan struct{}, 1),
	}
}

// Close releases background resources (the store's GC goroutine).
func (s *Server) Close() { s.store.Close() }

// Logger returns the *zap.Logger used by the server (delegates to global).
func (s *Server) Logger() *zap.Logger { return logging.Logger() }

// Stats exposes the Correlation Store's point-in-time occupancy.
func (s *Server) Stats() Stats { return s.store.Stats() }

// notifyWaiters wakes any goroutine blocked on the optional ws push channel.
// Non-blocking: a coalesced signal is enough, the receiver always re-checks
// the queue itself.
func (s *Server) notifyWaiters() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// rateLimited reports whether r should be rejected with 429. A nil
// cfg.RateLimit disables the check entirely.
func (s *Server) rateLimited(r *http.Request) bool {
	if s.cfg.RateLimit == nil {
		return false
	}
	return !s.cfg.RateLimit.Allow(clientKey(r))
}

// clientKey extracts the rate-limit partition key for r: the request's
// remote IP with any port stripped.
func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	return host
}
