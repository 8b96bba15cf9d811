package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/approval"
	"github.com/ppiankov/walletbridge/internal/backend"
	"github.com/ppiankov/walletbridge/internal/config"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/telemetry"
)

var (
	backendListen      string
	backendAutoApprove bool
)

func init() {
	rootCmd.AddCommand(backendCmd)
	backendCmd.Flags().StringVar(&backendListen, "listen", "", "gRPC listen address (overrides backend.listen)")
	backendCmd.Flags().BoolVar(&backendAutoApprove, "auto-approve", false, "Connect every allowed origin without asking")
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Start the development wallet backend",
	Long: "Runs a keyless wallet backend over gRPC for local DApp development.\n" +
		"It answers account and chain methods, re-checks every caller origin,\n" +
		"and holds eth_requestAccounts until 'walletbridge approve' or 'deny'.",
	RunE: runBackend,
}

// newDevBackend builds the development backend from cfg.
func newDevBackend(cfg *config.Config, policy origin.Policy) (*backend.Dev, error) {
	opts := []backend.Option{backend.WithChainID(cfg.Backend.ChainID)}
	if len(cfg.Backend.Accounts) > 0 {
		opts = append(opts, backend.WithAccounts(cfg.Backend.Accounts...))
	}
	if cfg.Backend.AutoApprove || backendAutoApprove {
		opts = append(opts, backend.WithAutoApprove())
	} else if cfg.Backend.ApprovalDir != "" {
		store, err := approval.NewStore(cfg.Backend.ApprovalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open approval store: %w", err)
		}
		_ = store.Cleanup()
		opts = append(opts, backend.WithApprovals(store, cfg.Backend.ApprovalTTL))
	}
	return backend.New(policy, opts...), nil
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if backendListen != "" {
		cfg.Backend.Listen = backendListen
	}
	if err := verifyBinary(cmd.Context(), cfg); err != nil {
		return err
	}
	allow, _, err := cfg.AllowList()
	if err != nil {
		return err
	}
	dev, err := newDevBackend(cfg, allow)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "walletbridge-backend")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	lis, err := net.Listen("tcp", cfg.Backend.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Backend.Listen, err)
	}
	srv := gateway.NewServer()
	gateway.RegisterBackend(srv, dev)

	go func() {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "\nShutting down wallet backend...")
		// Subscribe streams never finish on their own.
		srv.Stop()
	}()

	fmt.Fprintf(os.Stderr, "walletbridge dev backend listening on %s (chain %s, %d allowed origin patterns)\n",
		lis.Addr(), cfg.Backend.ChainID, allow.Len())
	return srv.Serve(lis)
}
