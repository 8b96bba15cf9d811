package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/server"
	"github.com/ppiankov/walletbridge/internal/telemetry"
)

var (
	serveListen   string
	serveAuditLog string
	serveDev      bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to audit log JSONL file (overrides config)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Run the development wallet backend in-process instead of dialing backend_addr")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	Long: "Serves the websocket relay on /bridge plus /up, /provider and /pending.\n" +
		"Requests are forwarded to the wallet backend over gRPC, or to an in-process\n" +
		"development backend with --dev. The config and allowlist files are hot-reloaded.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveAuditLog != "" {
		cfg.AuditLog = serveAuditLog
	}
	if err := verifyBinary(cmd.Context(), cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "walletbridge")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// The in-process backend re-checks origins against the relay's live,
	// hot-reloaded policy. srv is set before anything is served.
	var srv *server.Server
	live := origin.PolicyFunc(func(o origin.Origin) bool {
		return srv != nil && srv.Policy().IsAllowed(o)
	})

	opts := []server.Option{server.WithConfigPath(path)}
	if serveDev {
		dev, err := newDevBackend(cfg, live)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithBackend(dev))
	}

	srv, err = server.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if serveDev {
		fmt.Fprintln(os.Stderr, "walletbridge: development backend running in-process")
	} else {
		fmt.Fprintf(os.Stderr, "walletbridge: wallet backend at %s\n", cfg.BackendAddr)
	}
	if cfg.AuditLog != "" {
		fmt.Fprintf(os.Stderr, "Audit log: %s\n", cfg.AuditLog)
	}
	return srv.Run(ctx)
}
