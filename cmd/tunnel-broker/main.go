// cmd/tunnel-broker/main.go
// Binary entrypoint for the standalone tunnel broker. It exposes the public
// Ingress Listener and the Agent Protocol Endpoint on one HTTP port, gated by
// the x-proxy-secret header, and optionally the push-channel and Prometheus
// endpoints. Configured entirely via environment variables with sane
// defaults for local testing.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flarebridge/tunnel/internal/broker"
	"github.com/flarebridge/tunnel/internal/logging"
	"go.uber.org/zap"
)

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	logging.Set(lg)
	defer lg.Sync()

	cfg, generatedSecret, err := broker.LoadConfig()
	if err != nil {
		lg.Fatal("load config", zap.Error(err))
	}
	if generatedSecret != "" {
		// spec.md §6: when PROXY_SECRET is unset the broker must generate one
		// and print it so an operator can configure matching agents.
		os.Stdout.WriteString("generated proxy secret: " + generatedSecret + "\n")
	}
	srv := broker.New(cfg)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		lg.Info("signal received, shutting down")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		lg.Fatal("serve", zap.Error(err))
	}

	lg.Info("goodbye")
}
