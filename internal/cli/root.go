package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "walletbridge",
	Short:         "Origin-gated bridge between DApp pages and a wallet backend",
	Long:          "Relays JSON-RPC requests from web pages to a wallet backend, admitting only\nallowlisted origins, and fans wallet events back out to connected pages.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default ~/.walletbridge/config.yaml)")
}

// loadConfig reads the config named by --config, or the default one.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
