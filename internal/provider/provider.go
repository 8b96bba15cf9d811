// Package provider implements the EIP-1193 provider surface handed to page
// script running in the same context as the bridge: request, the legacy send
// and sendAsync conventions, and the on/removeListener event API.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
)

// JSONRPCVersion is the version marker in legacy sendAsync responses.
const JSONRPCVersion = "2.0"

// RPCError is the {code, message} shape EIP-1193 callers receive.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// ErrorCode returns e.Code.
func (e *RPCError) ErrorCode() int { return e.Code }

// Identity holds the static feature-detection flags pages probe for.
type Identity struct {
	IsMetaMask    bool `json:"isMetaMask"`
	IsRabby       bool `json:"isRabby"`
	IsWallet      bool `json:"isWallet"`
	IsTauriWallet bool `json:"isTauriWallet"`
}

// DefaultIdentity does not claim to be another wallet.
func DefaultIdentity() Identity {
	return Identity{IsWallet: true, IsTauriWallet: true}
}

// Info is the EIP-6963 provider announcement.
type Info struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	RDNS string `json:"rdns"`
}

// Config is the provider snapshot pushed to a freshly opened page.
type Config struct {
	ChainID         string   `json:"chainId,omitempty"`
	Accounts        []string `json:"accounts"`
	SelectedAddress string   `json:"selectedAddress,omitempty"`
}

// RequestArguments is the argument of request().
type RequestArguments struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONRPCRequest is the payload of the legacy sendAsync().
type JSONRPCRequest struct {
	ID      any             `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the second callback argument of sendAsync().
type JSONRPCResponse struct {
	ID      any             `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Callback is the Node-style sendAsync callback. err is nil on success.
type Callback func(err error, resp JSONRPCResponse)

// Option configures a Provider.
type Option func(*Provider)

// WithOrigin sets the origin of the page hosting the provider. It travels
// in every CallContext.
func WithOrigin(o origin.Origin) Option {
	return func(p *Provider) { p.origin = o }
}

// WithIdentity overrides the identity flags.
func WithIdentity(id Identity) Option {
	return func(p *Provider) { p.identity = id }
}

// WithInfo sets the EIP-6963 name, icon and rdns. The uuid is always
// generated per provider.
func WithInfo(name, icon, rdns string) Option {
	return func(p *Provider) {
		p.info.Name = name
		p.info.Icon = icon
		p.info.RDNS = rdns
	}
}

// Provider is one injected provider instance, built once per hosting page
// with explicit dependencies.
type Provider struct {
	gw       gateway.Gateway
	fan      *event.Fanout
	origin   origin.Origin
	identity Identity
	info     Info
}

// New creates a Provider that calls gw and mirrors fan's state.
func New(gw gateway.Gateway, fan *event.Fanout, opts ...Option) *Provider {
	p := &Provider{
		gw:       gw,
		fan:      fan,
		identity: DefaultIdentity(),
		info: Info{
			Name: "Wallet Bridge",
			RDNS: "org.walletbridge",
		},
	}
	for _, o := range opts {
		o(p)
	}
	p.info.UUID = uuid.NewString()
	return p
}

// Request forwards a call to the backend. Every failure is returned as
// *RPCError; backend codes are kept, anything else is -32603.
func (p *Provider) Request(ctx context.Context, args RequestArguments) (json.RawMessage, error) {
	if args.Method == "" {
		return nil, &RPCError{Code: gateway.CodeInvalidRequest, Message: "method is required"}
	}
	params := args.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("[]")
	}
	if !json.Valid(params) {
		return nil, &RPCError{Code: gateway.CodeInvalidParams, Message: "params are not valid JSON"}
	}

	cc := gateway.CallContext{Origin: p.origin, RequestID: correlate.NewID()}
	result, err := p.gw.Execute(ctx, args.Method, params, cc)
	if err != nil {
		return nil, toRPCError(err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return result, nil
}

// Send is the legacy synonym for Request.
func (p *Provider) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return p.Request(ctx, RequestArguments{Method: method, Params: params})
}

// SendAsync runs the request on its own goroutine and invokes cb exactly
// once. On failure both the error and the JSON-RPC error field are set.
func (p *Provider) SendAsync(ctx context.Context, payload JSONRPCRequest, cb Callback) {
	go func() {
		result, err := p.Request(ctx, RequestArguments{Method: payload.Method, Params: payload.Params})
		resp := JSONRPCResponse{ID: payload.ID, JSONRPC: JSONRPCVersion}
		if err != nil {
			rpcErr := toRPCError(err)
			resp.Error = rpcErr
			cb(rpcErr, resp)
			return
		}
		resp.Result = result
		cb(nil, resp)
	}()
}

// On registers a listener for a provider event.
func (p *Provider) On(kind event.Kind, fn event.Listener) event.Handle {
	return p.fan.On(kind, fn)
}

// RemoveListener removes a listener registered with On.
func (p *Provider) RemoveListener(h event.Handle) bool {
	return p.fan.Off(h)
}

// Emit delivers ev to listeners without touching provider state.
func (p *Provider) Emit(ev event.Event) {
	p.fan.Registry().Emit(ev)
}

// ChainID returns the latest chain id, or "" before the first chainChanged.
func (p *Provider) ChainID() string { return p.fan.State().ChainID }

// Accounts returns the latest accounts.
func (p *Provider) Accounts() []string { return p.fan.State().Accounts }

// SelectedAddress returns the first account, or "".
func (p *Provider) SelectedAddress() string { return p.fan.State().SelectedAddress }

// IsConnected reports whether the backend signalled connect.
func (p *Provider) IsConnected() bool { return p.fan.State().Connected }

// Identity returns the static identity flags.
func (p *Provider) Identity() Identity { return p.identity }

// Announce returns the EIP-6963 provider info.
func (p *Provider) Announce() Info { return p.info }

// Config returns the provider snapshot for a newly opened page.
func (p *Provider) Config() Config {
	st := p.fan.State()
	return Config{ChainID: st.ChainID, Accounts: st.Accounts, SelectedAddress: st.SelectedAddress}
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	f := gateway.AsFault(err)
	return &RPCError{Code: f.Code, Message: f.Message, Data: f.Data}
}
