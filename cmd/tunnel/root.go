// cmd/tunnel/root.go
// Root command for the `tunnel` CLI. It wires common flags, global
// initialisation (logger, config file) and adds the top-level sub-commands
// defined in sibling files (broker.go, agent.go, secret.go, version.go).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/flarebridge/tunnel/internal/logging"
	"github.com/flarebridge/tunnel/pkg/version"
)

var (
	cfgFile string
	logJSON bool
	rootCmd = &cobra.Command{
		Use:   "tunnel",
		Short: "tunnel – HTTP reverse tunnel broker and agent",
		Long:  `tunnel exposes a NAT'd origin server to the public internet through a long-poll broker/agent pair.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.AddCommand(newBrokerCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newSecretCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "tunnel"))
		}
		viper.SetConfigName("config")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Sugar().Infof("using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("tunnel starting", "go_version", runtime.Version(), "version", version.String())
	return nil
}
