// Package mcp exposes the wallet to agents as MCP tools. Every wallet call
// goes through the relay under the configured agent origin, so agents are
// held to the same allowlist as pages.
package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/walletbridge/internal/approval"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/relay"
)

// Config holds MCP server dependencies.
type Config struct {
	Relay  *relay.Relay
	Fanout *event.Fanout
	// Origin is the identity agent calls are checked under.
	Origin origin.Origin
	// Approvals is optional; when set wallet_pending lists its entries.
	Approvals *approval.Store
	Version   string
}

// Server wraps the MCP SDK server.
type Server struct {
	mcpServer *mcpsdk.Server
	relay     *relay.Relay
	fan       *event.Fanout
	origin    origin.Origin
	approvals *approval.Store
}

// New creates an MCP server with the wallet tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil || cfg.Fanout == nil {
		return nil, errors.New("mcp: relay and fanout are required")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		relay:     cfg.Relay,
		fan:       cfg.Fanout,
		origin:    cfg.Origin,
		approvals: cfg.Approvals,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "walletbridge",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunTransport serves one session on t.
func (s *Server) RunTransport(ctx context.Context, t mcpsdk.Transport) error {
	return s.mcpServer.Run(ctx, t)
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wallet_request",
		Description: "Send a JSON-RPC request (e.g. eth_chainId, eth_requestAccounts) to the wallet. Requests from an origin outside the allowlist fail with origin_not_allowed.",
	}, s.handleRequest)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wallet_state",
		Description: "Show the current chain, exposed accounts and backend connection state.",
	}, s.handleState)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wallet_pending",
		Description: "List in-flight wallet requests and connection requests waiting for operator approval.",
	}, s.handlePending)
}
