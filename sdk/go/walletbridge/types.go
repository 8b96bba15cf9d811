package walletbridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Relay reasons a request can be refused with.
const (
	ReasonOriginNotAllowed = "origin_not_allowed"
	ReasonTimeout          = "request_timeout"
	ReasonDuplicateID      = "duplicate_request_id"
)

// ConfigEvent carries the provider snapshot sent right after connecting.
const ConfigEvent = "providerConfig"

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("walletbridge: connection closed")

// Error is a request the relay or the wallet refused.
type Error struct {
	ID     string
	Method string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("walletbridge: %s %s: %s", e.Method, e.ID, e.Reason)
}

// OriginNotAllowed reports whether the relay refused the page's origin.
func (e *Error) OriginNotAllowed() bool { return e.Reason == ReasonOriginNotAllowed }

// ProviderConfig is the snapshot delivered in the ConfigEvent.
type ProviderConfig struct {
	ChainID         string   `json:"chainId,omitempty"`
	Accounts        []string `json:"accounts"`
	SelectedAddress string   `json:"selectedAddress,omitempty"`
	Connected       bool     `json:"connected"`
}

type outbound struct {
	Marker bool   `json:"_walletReq"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type inbound struct {
	RespID *string         `json:"_walletRespId"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Event  string          `json:"_walletEvent"`
	Data   json.RawMessage `json:"data"`
}

type reply struct {
	result json.RawMessage
	reason string
}
