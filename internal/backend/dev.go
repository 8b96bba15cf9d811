// Package backend provides a development wallet backend. It holds no keys
// and talks to no chain; it answers the account and chain methods a page
// needs to connect and gates account access behind operator approval.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/walletbridge/internal/approval"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
)

const (
	defaultChainID     = "0x1"
	defaultApprovalTTL = 2 * time.Minute
	defaultPoll        = 250 * time.Millisecond
)

// Option configures a Dev backend.
type Option func(*Dev)

// WithChainID sets the initial chain (0x-prefixed hex).
func WithChainID(id string) Option {
	return func(d *Dev) { d.chainID = id }
}

// WithAccounts sets the accounts granted to connected origins.
func WithAccounts(accounts ...string) Option {
	return func(d *Dev) { d.accounts = append([]string(nil), accounts...) }
}

// WithApprovals routes eth_requestAccounts through store.
func WithApprovals(store *approval.Store, ttl time.Duration) Option {
	return func(d *Dev) {
		d.approvals = store
		if ttl > 0 {
			d.approvalTTL = ttl
		}
	}
}

// WithAutoApprove grants every allowed origin without asking.
func WithAutoApprove() Option {
	return func(d *Dev) { d.autoApprove = true }
}

// WithPollInterval sets how often a pending approval is re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(dev *Dev) { dev.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Dev) { d.logger = l }
}

// Dev implements gateway.Backend.
type Dev struct {
	policy      origin.Policy
	approvals   *approval.Store
	approvalTTL time.Duration
	autoApprove bool
	poll        time.Duration
	logger      *log.Logger

	mu        sync.Mutex
	chainID   string
	accounts  []string
	connected map[origin.Origin]bool
	subs      map[uint64]func(event.Event)
	nextSub   uint64
}

var _ gateway.Backend = (*Dev)(nil)

// New creates a Dev backend that re-checks every caller origin against
// policy.
func New(policy origin.Policy, opts ...Option) *Dev {
	d := &Dev{
		policy:      policy,
		approvalTTL: defaultApprovalTTL,
		poll:        defaultPoll,
		logger:      log.New(os.Stderr, "backend: ", log.LstdFlags),
		chainID:     defaultChainID,
		connected:   make(map[origin.Origin]bool),
		subs:        make(map[uint64]func(event.Event)),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Execute implements gateway.Gateway.
func (d *Dev) Execute(ctx context.Context, method string, params json.RawMessage, cc gateway.CallContext) (json.RawMessage, error) {
	if !d.policy.IsAllowed(cc.Origin) {
		d.logger.Printf("%s from %q refused: origin not authorized", method, cc.Origin)
		return nil, gateway.NewFault(gateway.CodeUnauthorized, "origin not authorized")
	}

	switch method {
	case "eth_chainId":
		d.mu.Lock()
		id := d.chainID
		d.mu.Unlock()
		return json.Marshal(id)
	case "eth_accounts":
		return json.Marshal(d.accountsFor(cc.Origin))
	case "eth_requestAccounts":
		return d.requestAccounts(ctx, cc)
	case "wallet_switchEthereumChain":
		return d.switchChain(params, cc)
	case "wallet_revokePermissions":
		d.mu.Lock()
		delete(d.connected, cc.Origin)
		d.mu.Unlock()
		return json.RawMessage("null"), nil
	default:
		return nil, gateway.NewFault(gateway.CodeUnsupportedMethod, "unsupported method: %s", method)
	}
}

func (d *Dev) accountsFor(o origin.Origin) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected[o] {
		return []string{}
	}
	return append([]string{}, d.accounts...)
}

func (d *Dev) requestAccounts(ctx context.Context, cc gateway.CallContext) (json.RawMessage, error) {
	d.mu.Lock()
	already := d.connected[cc.Origin]
	d.mu.Unlock()
	if already || d.autoApprove {
		return d.grant(cc.Origin)
	}
	if d.approvals == nil {
		return nil, gateway.NewFault(gateway.CodeUserRejected, "User rejected the request.")
	}

	key := approval.KeyFor(string(cc.Origin))
	if err := d.approvals.Request(key, string(cc.Origin), "eth_requestAccounts", d.approvalTTL); err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}
	d.logger.Printf("connection request from %s waiting for approval (key %s)", cc.Origin, key)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		status, err := d.approvals.Check(key)
		if err != nil {
			return nil, fmt.Errorf("check approval: %w", err)
		}
		switch status {
		case approval.StatusApproved:
			_ = d.approvals.Remove(key)
			return d.grant(cc.Origin)
		case approval.StatusDenied:
			_ = d.approvals.Remove(key)
			return nil, gateway.NewFault(gateway.CodeUserRejected, "User rejected the request.")
		case approval.StatusExpired:
			_ = d.approvals.Remove(key)
			return nil, gateway.NewFault(gateway.CodeUserRejected, "approval request expired")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dev) grant(o origin.Origin) (json.RawMessage, error) {
	d.mu.Lock()
	first := !d.connected[o]
	d.connected[o] = true
	accounts := append([]string{}, d.accounts...)
	d.mu.Unlock()

	if first {
		d.publish(event.AccountsChanged{Accounts: accounts})
	}
	return json.Marshal(accounts)
}

type switchChainParam struct {
	ChainID string `json:"chainId"`
}

func (d *Dev) switchChain(params json.RawMessage, cc gateway.CallContext) (json.RawMessage, error) {
	var args []switchChainParam
	if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
		return nil, gateway.NewFault(gateway.CodeInvalidParams, "expected [{chainId}]")
	}
	id := strings.ToLower(args[0].ChainID)
	if !isHexQuantity(id) {
		return nil, gateway.NewFault(gateway.CodeInvalidParams, "invalid chainId %q", args[0].ChainID)
	}

	d.mu.Lock()
	if !d.connected[cc.Origin] {
		d.mu.Unlock()
		return nil, gateway.NewFault(gateway.CodeUnauthorized, "origin is not connected")
	}
	changed := d.chainID != id
	d.chainID = id
	d.mu.Unlock()

	if changed {
		d.publish(event.ChainChanged{ChainID: id})
	}
	return json.RawMessage("null"), nil
}

func isHexQuantity(s string) bool {
	if len(s) < 3 || !strings.HasPrefix(s, "0x") || (len(s) > 3 && s[2] == '0') {
		return false
	}
	for _, c := range s[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// SelectAccount moves account to the front and notifies subscribers.
func (d *Dev) SelectAccount(account string) {
	d.mu.Lock()
	next := []string{account}
	for _, a := range d.accounts {
		if a != account {
			next = append(next, a)
		}
	}
	d.accounts = next
	out := append([]string{}, next...)
	d.mu.Unlock()
	d.publish(event.AccountsChanged{Accounts: out})
}

// Subscribe implements gateway.Backend. A new subscriber first receives a
// connect event carrying the current chain.
func (d *Dev) Subscribe(fn func(event.Event)) (cancel func()) {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = fn
	chainID := d.chainID
	d.mu.Unlock()

	fn(event.Connect{ChainID: chainID})
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Dev) publish(ev event.Event) {
	d.mu.Lock()
	subs := make([]func(event.Event), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
