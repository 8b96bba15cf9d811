// Package server runs the bridge: the websocket relay, the provider
// endpoints, the backend event pump, and policy hot reload.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/walletbridge/internal/alert"
	"github.com/ppiankov/walletbridge/internal/audit"
	"github.com/ppiankov/walletbridge/internal/config"
	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/provider"
	"github.com/ppiankov/walletbridge/internal/relay"
	"github.com/ppiankov/walletbridge/internal/relay/ws"
)

const (
	evictInterval    = time.Second
	resubscribeDelay = time.Second
	shutdownTimeout  = 5 * time.Second
	reloadDelay      = 500 * time.Millisecond
)

// Option configures a Server.
type Option func(*Server)

// WithBackend runs b in-process instead of dialing backend_addr.
func WithBackend(b gateway.Backend) Option {
	return func(s *Server) { s.local = b }
}

// WithConfigPath names the config file to re-read on reload.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.cfgPath = path }
}

// WithReloadDelay sets the debounce between a file change and the reload.
func WithReloadDelay(d time.Duration) Option {
	return func(s *Server) { s.reloadDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server wires the bridge components together.
type Server struct {
	cfg         *config.Config
	cfgPath     string
	reloadDelay time.Duration
	logger      *log.Logger

	policy     *origin.Dynamic
	fan        *event.Fanout
	relay      *relay.Relay
	provider   *provider.Provider
	auditLog   *audit.Log
	dispatcher *alert.Dispatcher

	local  gateway.Backend
	remote *gateway.Client

	mu         sync.RWMutex
	policyHash string
}

// New validates cfg and builds the bridge. The backend connection is lazy;
// nothing listens until Serve.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		reloadDelay: reloadDelay,
		logger:      log.New(os.Stderr, "server: ", log.LstdFlags),
	}
	for _, o := range opts {
		o(s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	allow, hash, err := cfg.AllowList()
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}
	s.policy = origin.NewDynamic(allow)
	s.policyHash = hash

	var gw gateway.Gateway
	if s.local != nil {
		gw = s.local
	} else {
		s.remote, err = gateway.Dial(cfg.BackendAddr)
		if err != nil {
			return nil, err
		}
		gw = s.remote
	}
	gw = gateway.Traced(gw)

	var rec audit.Recorder = audit.Nop{}
	if cfg.AuditLog != "" {
		s.auditLog, err = audit.Open(cfg.AuditLog)
		if err != nil {
			s.closeBackend()
			return nil, err
		}
		s.auditLog.SetPolicyHash(hash)
		rec = s.auditLog
	}
	s.dispatcher = alert.NewDispatcher(cfg.Alerts, s.logger)

	s.fan = event.NewFanout(s.logger)
	calls := correlate.New(correlate.WithTimeout(cfg.RequestTimeout), correlate.WithLogger(s.logger))
	s.relay = relay.New(s.policy, gw, calls,
		relay.WithTimeout(cfg.RequestTimeout),
		relay.WithAudit(rec),
		relay.WithAlerts(stamped{s}),
		relay.WithLogger(s.logger),
	)
	s.relay.Follow(s.fan)
	s.provider = provider.New(gw, s.fan,
		provider.WithInfo(cfg.Provider.Name, cfg.Provider.Icon, cfg.Provider.RDNS))
	return s, nil
}

// stamped adds the policy hash in force to every alert.
type stamped struct{ s *Server }

func (n stamped) Notify(ev alert.Event) {
	ev.PolicyHash = n.s.PolicyHash()
	n.s.dispatcher.Notify(ev)
}

// Relay returns the bridge relay.
func (s *Server) Relay() *relay.Relay { return s.relay }

// Fanout returns the provider event fanout.
func (s *Server) Fanout() *event.Fanout { return s.fan }

// PolicyHash identifies the allowlist in force.
func (s *Server) PolicyHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policyHash
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/bridge", ws.Handler(s.relay, s.fan, ws.WithLogger(s.logger), ws.WithRateLimit(s.cfg.RateLimit)))
	mux.HandleFunc("GET /up", s.handleUp)
	mux.HandleFunc("GET /provider", s.handleProvider)
	mux.HandleFunc("GET /pending", s.handlePending)
	return mux
}

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"connected":   s.provider.IsConnected(),
		"pending":     len(s.relay.Pending(time.Now())),
		"policy_hash": s.PolicyHash(),
	})
}

// handleProvider serves the full snapshot to local tooling. A browser
// request carries an Origin and only sees what that origin was granted.
func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	cfg := s.provider.Config()
	if hdr := r.Header.Get("Origin"); hdr != "" {
		st := s.relay.StateFor(origin.FromHeader(hdr), s.fan.State())
		cfg = provider.Config{ChainID: st.ChainID, Accounts: st.Accounts, SelectedAddress: st.SelectedAddress}
	}
	writeJSON(w, map[string]any{
		"info":     s.provider.Announce(),
		"identity": s.provider.Identity(),
		"config":   cfg,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.relay.Pending(time.Now()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, lis)
}

// Start runs the background loops (eviction, backend events, hot reload)
// until ctx is done. The returned func waits for them to exit.
func (s *Server) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.relay.Run(ctx, evictInterval)
	}()
	go func() {
		defer wg.Done()
		s.pumpEvents(ctx)
	}()

	if paths := s.watchPaths(); len(paths) > 0 {
		rl, err := NewReloader(s, paths)
		if err != nil {
			s.logger.Printf("hot reload disabled: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = rl.Run(ctx)
			}()
		}
	}
	return wg.Wait
}

// Serve serves on lis until ctx is done, then drains outstanding calls and
// closes the server.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wait := s.Start(ctx)

	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(lis) }()
	s.logger.Printf("bridge listening on %s (%d allowed origin patterns)", lis.Addr(), s.allowCount())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	// Hijacked websocket connections are not tracked by Shutdown.
	_ = httpSrv.Shutdown(shutdownCtx)
	wait()

	if err := s.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

func (s *Server) allowCount() int {
	if al, ok := s.policy.Load().(*origin.AllowList); ok {
		return al.Len()
	}
	return 0
}

// pumpEvents feeds backend notifications into the fanout. A lost remote
// stream publishes disconnect and is re-opened until ctx is done.
func (s *Server) pumpEvents(ctx context.Context) {
	if s.local != nil {
		cancel := s.local.Subscribe(s.fan.Publish)
		<-ctx.Done()
		cancel()
		return
	}
	for {
		src, err := s.remote.Subscribe(ctx)
		if err == nil {
			err = s.fan.Run(ctx, src)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Printf("backend event stream: %v", err)
		}
		if s.fan.State().Connected {
			s.fan.Publish(event.Disconnect{Code: 1011, Message: "wallet backend unavailable"})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (s *Server) watchPaths() []string {
	var paths []string
	if s.cfgPath != "" {
		paths = append(paths, s.cfgPath)
	}
	if s.cfg.AllowlistPath != "" {
		paths = append(paths, s.cfg.AllowlistPath)
	}
	return paths
}

// ReloadPolicy re-reads the config file (when one was named) and the
// allowlist, then swaps the origin policy atomically. On error the old
// policy stays in force.
func (s *Server) ReloadPolicy() error {
	cfg := s.cfg
	if s.cfgPath != "" {
		next, err := config.Load(s.cfgPath)
		if err != nil {
			return fmt.Errorf("failed to reload config: %w", err)
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = next
	}
	allow, hash, err := cfg.AllowList()
	if err != nil {
		return fmt.Errorf("failed to reload allowlist: %w", err)
	}

	s.policy.Store(allow)
	s.mu.Lock()
	s.policyHash = hash
	s.mu.Unlock()
	if s.auditLog != nil {
		s.auditLog.SetPolicyHash(hash)
	}
	return nil
}

func (s *Server) closeBackend() {
	if s.remote != nil {
		_ = s.remote.Close()
	}
}

// Close waits for dispatched calls and alerts, then releases the backend
// connection and the audit log.
func (s *Server) Close() error {
	s.relay.Wait()
	s.dispatcher.Wait()
	s.closeBackend()
	if s.auditLog != nil {
		return s.auditLog.Close()
	}
	return nil
}

// Policy returns the live origin policy.
func (s *Server) Policy() origin.Policy { return s.policy }
