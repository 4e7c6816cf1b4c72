// cmd/tunnel/broker.go
// Implements `tunnel broker`, running the broker in-process under the CLI's
// cobra/viper scaffolding rather than as the standalone cmd/tunnel-broker
// binary — useful for local development and single-binary deployments.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flarebridge/tunnel/internal/broker"
	"github.com/flarebridge/tunnel/internal/logging"
)

func newBrokerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the tunnel broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, generatedSecret, err := broker.LoadConfig()
			if err != nil {
				return err
			}
			if generatedSecret != "" {
				os.Stdout.WriteString("generated proxy secret: " + generatedSecret + "\n")
			}

			srv := broker.New(cfg)
			defer srv.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
				logging.Logger().Info("signal received, shutting down")
				cancel()
			}()

			if err := srv.ListenAndServe(ctx); err != nil {
				logging.Logger().Error("serve", zap.Error(err))
				return err
			}
			return nil
		},
	}
}
