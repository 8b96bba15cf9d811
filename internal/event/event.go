package event

import (
	"encoding/json"
	"fmt"
)

// Kind names an event as seen by page listeners.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindDisconnect      Kind = "disconnect"
	KindChainChanged    Kind = "chainChanged"
	KindAccountsChanged Kind = "accountsChanged"
)

// Kinds lists every event kind the fanout delivers.
var Kinds = []Kind{KindConnect, KindDisconnect, KindChainChanged, KindAccountsChanged}

// Event is a backend-originated provider notification.
type Event interface {
	Kind() Kind
}

// Connect signals the provider can reach the backend.
type Connect struct {
	ChainID string `json:"chainId"`
}

// Disconnect signals the provider lost the backend.
type Disconnect struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChainChanged carries the newly selected chain id (0x-prefixed hex).
type ChainChanged struct {
	ChainID string `json:"chainId"`
}

// AccountsChanged carries the accounts exposed to the page, selected first.
type AccountsChanged struct {
	Accounts []string `json:"accounts"`
}

func (Connect) Kind() Kind         { return KindConnect }
func (Disconnect) Kind() Kind      { return KindDisconnect }
func (ChainChanged) Kind() Kind    { return KindChainChanged }
func (AccountsChanged) Kind() Kind { return KindAccountsChanged }

// Decode parses a backend notification by channel name. Names may carry the
// "wallet:" prefix the backend uses on its event bus.
func Decode(name string, payload json.RawMessage) (Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch Kind(trimPrefix(name)) {
	case KindConnect:
		var ev Connect
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return ev, nil
	case KindDisconnect:
		var ev Disconnect
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return ev, nil
	case KindChainChanged:
		var ev ChainChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if ev.ChainID == "" {
			return nil, fmt.Errorf("decode %s: missing chainId", name)
		}
		return ev, nil
	case KindAccountsChanged:
		var ev AccountsChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if ev.Accounts == nil {
			ev.Accounts = []string{}
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func trimPrefix(name string) string {
	const prefix = "wallet:"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}

// Payload returns the value EIP-1193 hands to listeners of ev.
func Payload(ev Event) any {
	switch e := ev.(type) {
	case ChainChanged:
		return e.ChainID
	case AccountsChanged:
		out := make([]string, len(e.Accounts))
		copy(out, e.Accounts)
		return out
	case Connect:
		return map[string]any{"chainId": e.ChainID}
	case Disconnect:
		return map[string]any{"code": e.Code, "message": e.Message}
	default:
		return nil
	}
}
