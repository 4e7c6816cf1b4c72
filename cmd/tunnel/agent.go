// cmd/tunnel/agent.go
// Implements `tunnel agent`, running the agent poll loop in-process under
// the CLI's cobra/viper scaffolding.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flarebridge/tunnel/internal/agent"
	"github.com/flarebridge/tunnel/internal/logging"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, useWS, err := agent.LoadConfig()
			if err != nil {
				return err
			}

			var r interface {
				Start()
				Stop()
			}
			if useWS {
				r = agent.NewWSPoller(cfg)
			} else {
				r = agent.NewPoller(cfg)
			}
			r.Start()
			defer r.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Logger().Info("signal received, shutting down agent")
			return nil
		},
	}
}
