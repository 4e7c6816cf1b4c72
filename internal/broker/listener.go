// internal/broker/listener.go
// Wires the Ingress Listener, the Agent Protocol Endpoint, the optional
// WebSocket push channel and the optional Prometheus scrape endpoint onto one
// http.Server, and owns its start/shutdown lifecycle.
package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flarebridge/tunnel/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ListenAndServe builds the routing mux described in spec §4.1 and serves it
// on cfg.ListenAddr until ctx is cancelled, at which point it shuts down
// gracefully. It blocks until both the public server and (if enabled) the
// metrics server have fully stopped.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	if s.cfg.EnableWSBridge {
		mux.HandleFunc("/ws", s.handleWebSocket)
	}

	// ReadTimeout bounds reading an entire request, including its body, for
	// every request on this socket — both public ingress uploads and an
	// agent's POST delivering a ClientResponse. It must cover the slower of
	// the two rather than assume ingress-sized bodies.
	readTimeout := s.cfg.AgentReadTimeout
	if ingressBound := s.cfg.IngressTimeout + 5*time.Second; ingressBound > readTimeout {
		readTimeout = ingressBound
	}

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		TLSConfig:    s.cfg.TLSConfig,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.IngressTimeout + 5*time.Second,
	}

	var metricsSrv *http.Server
	if s.cfg.EnableMetrics && s.cfg.MetricsAddr != "" {
		metrics.Register()
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsMux}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.Logger().Info("broker listening", zap.String("addr", s.cfg.ListenAddr))

	metricsErrCh := make(chan error, 1)
	if metricsSrv != nil {
		go func() {
			err := metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			metricsErrCh <- err
		}()
		s.Logger().Info("metrics listening", zap.String("addr", s.cfg.MetricsAddr))
	}

	select {
	case err := <-errCh:
		return err
	case err := <-metricsErrCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Logger().Info("broker shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return <-errCh
	}
}

// route is the single entry point for every public path. Requests carrying
// the agent secret header are routed to the Agent Protocol Endpoint; every
// other request is treated as tunnel ingress, per spec §4.1's routing table.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(SecretHeader) != "" {
		s.handleAgent(w, r)
		return
	}
	s.handleIngress(w, r)
}
