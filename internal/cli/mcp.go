package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/approval"
	bridgemcp "github.com/ppiankov/walletbridge/internal/mcp"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/server"
)

var mcpOrigin string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpOrigin, "origin", "", "Origin agent calls are checked under (overrides agent_origin)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs the bridge as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes wallet_request, wallet_state and wallet_pending. Agent requests\n" +
		"pass the same origin allowlist as pages, under agent_origin.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if mcpOrigin != "" {
		cfg.AgentOrigin = mcpOrigin
	}
	if err := verifyBinary(cmd.Context(), cfg); err != nil {
		return err
	}
	agent, err := origin.Parse(cfg.AgentOrigin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: no valid agent_origin; every wallet_request will be refused")
	}

	srv, err := server.New(cfg, server.WithConfigPath(path))
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	var store *approval.Store
	if cfg.Backend.ApprovalDir != "" {
		if store, err = approval.NewStore(cfg.Backend.ApprovalDir); err != nil {
			return fmt.Errorf("failed to open approval store: %w", err)
		}
	}

	m, err := bridgemcp.New(bridgemcp.Config{
		Relay:     srv.Relay(),
		Fanout:    srv.Fanout(),
		Origin:    agent,
		Approvals: store,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wait := srv.Start(ctx)

	fmt.Fprintf(os.Stderr, "walletbridge MCP server running on stdio (origin %q)\n", agent)
	err = m.Run(ctx)

	cancel()
	wait()
	if cerr := srv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
