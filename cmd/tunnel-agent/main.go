// cmd/tunnel-agent/main.go
// Standalone tunnel agent: runs beside a NAT'd origin server, polls the
// broker for queued requests and replays each against the local origin.
// Configured entirely via PROXY_* environment variables.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flarebridge/tunnel/internal/agent"
	"github.com/flarebridge/tunnel/internal/logging"
	"go.uber.org/zap"
)

// runner is satisfied by both Poller and WSPoller.
type runner interface {
	Start()
	Stop()
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap init: %v", err)
	}
	logging.Set(lg)
	defer lg.Sync()

	cfg, useWS, err := agent.LoadConfig()
	if err != nil {
		lg.Fatal("load config", zap.Error(err))
	}

	var r runner
	if useWS {
		r = agent.NewWSPoller(cfg)
	} else {
		r = agent.NewPoller(cfg)
	}
	r.Start()
	lg.Info("tunnel-agent started", zap.String("broker", cfg.BrokerURL), zap.Bool("ws", useWS))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("signal received, shutting down agent")
	r.Stop()

	lg.Info("bye")
}
