package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RequestInput defines parameters for the wallet_request tool.
type RequestInput struct {
	Method string `json:"method" jsonschema:"JSON-RPC method name"`
	Params []any  `json:"params,omitempty" jsonschema:"positional parameters"`
}

// RequestOutput carries the wallet result or the reason it failed.
type RequestOutput struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StateInput is empty.
type StateInput struct{}

// StateOutput mirrors the provider state.
type StateOutput struct {
	ChainID         string   `json:"chain_id,omitempty"`
	Accounts        []string `json:"accounts"`
	SelectedAddress string   `json:"selected_address,omitempty"`
	Connected       bool     `json:"connected"`
	Origin          string   `json:"origin"`
	OriginAllowed   bool     `json:"origin_allowed"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists outstanding work.
type PendingOutput struct {
	Requests  []PendingRequest  `json:"requests"`
	Approvals []PendingApproval `json:"approvals"`
}

// PendingRequest is one in-flight relay request.
type PendingRequest struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Method string `json:"method"`
	Age    string `json:"age"`
}

// PendingApproval is one connection request waiting for the operator.
type PendingApproval struct {
	Key       string `json:"key"`
	Origin    string `json:"origin"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleRequest(ctx context.Context, req *mcpsdk.CallToolRequest, input RequestInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	if input.Method == "" {
		return nil, RequestOutput{}, fmt.Errorf("method is required")
	}
	var params json.RawMessage
	if input.Params != nil {
		raw, err := json.Marshal(input.Params)
		if err != nil {
			return nil, RequestOutput{}, fmt.Errorf("encode params: %w", err)
		}
		params = raw
	}

	reply, err := s.relay.Call(ctx, s.origin, input.Method, params)
	if err != nil {
		return nil, RequestOutput{}, err
	}
	if reply.Error != "" {
		return &mcpsdk.CallToolResult{IsError: true}, RequestOutput{Error: reply.Error}, nil
	}

	var out RequestOutput
	if err := json.Unmarshal(reply.Result, &out.Result); err != nil {
		return nil, RequestOutput{}, fmt.Errorf("decode result: %w", err)
	}
	return nil, out, nil
}

func (s *Server) handleState(ctx context.Context, req *mcpsdk.CallToolRequest, input StateInput) (*mcpsdk.CallToolResult, StateOutput, error) {
	st := s.relay.StateFor(s.origin, s.fan.State())
	return nil, StateOutput{
		ChainID:         st.ChainID,
		Accounts:        st.Accounts,
		SelectedAddress: st.SelectedAddress,
		Connected:       st.Connected,
		Origin:          string(s.origin),
		OriginAllowed:   s.relay.Allowed(s.origin),
	}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	out := PendingOutput{Requests: []PendingRequest{}, Approvals: []PendingApproval{}}
	for _, p := range s.relay.Pending(time.Now()) {
		out.Requests = append(out.Requests, PendingRequest{
			ID:     p.ID,
			Origin: p.Origin,
			Method: p.Method,
			Age:    p.Age.Round(time.Millisecond).String(),
		})
	}

	if s.approvals != nil {
		list, err := s.approvals.List()
		if err != nil {
			return nil, PendingOutput{}, err
		}
		for _, a := range list {
			out.Approvals = append(out.Approvals, PendingApproval{
				Key:       a.Key,
				Origin:    a.Origin,
				Status:    string(a.Status),
				CreatedAt: a.CreatedAt.Format(time.RFC3339),
			})
		}
	}
	return nil, out, nil
}
