package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wailbentafat/employee-relay/config"
	"github.com/wailbentafat/employee-relay/logging"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := newServeCmd(&configPath)

	// Without a subcommand the relay serves.
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Relay employee change events from the broker to connected browsers",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serve, newPublishCmd(&configPath))
	return root
}

// loadConfig reads configuration and applies the logging section.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
