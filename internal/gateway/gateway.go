// Package gateway is the bridge's only path to the privileged wallet
// backend. It does not interpret methods and never retries; the backend owns
// authorization and retry policy.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
)

// CallContext travels with every call so the backend can authorize the
// request on its own.
type CallContext struct {
	Origin    origin.Origin
	RequestID correlate.RequestID
}

// Gateway executes a wallet method in the backend.
type Gateway interface {
	Execute(ctx context.Context, method string, params json.RawMessage, cc CallContext) (json.RawMessage, error)
}

// Func adapts an in-process function to Gateway.
type Func func(ctx context.Context, method string, params json.RawMessage, cc CallContext) (json.RawMessage, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, method string, params json.RawMessage, cc CallContext) (json.RawMessage, error) {
	return f(ctx, method, params, cc)
}

// Backend is the server side of the gateway: a Gateway that also pushes
// state-change notifications.
type Backend interface {
	Gateway
	// Subscribe registers fn for backend notifications and returns a
	// function that cancels the registration.
	Subscribe(fn func(event.Event)) (cancel func())
}
