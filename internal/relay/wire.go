package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Reasons carried in the error field of a reply that never reached the
// backend.
const (
	ReasonOriginNotAllowed = "origin_not_allowed"
	ReasonDuplicateID      = "duplicate_request_id"
	ReasonTimeout          = "request_timeout"
)

// MaxIDLength bounds page-supplied request ids.
const MaxIDLength = 128

var (
	// ErrNoMarker means the message is not addressed to the bridge.
	ErrNoMarker = errors.New("relay: message has no request marker")
	// ErrMalformed means the message carries the marker but does not parse.
	ErrMalformed = errors.New("relay: malformed request")
)

// Request is an inbound cross-context call.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Reply is the outbound answer to one Request. Exactly one of Result and
// Error is set.
type Reply struct {
	RespID string          `json:"_walletRespId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventFrame pushes a provider event to a connected page.
type EventFrame struct {
	Event string `json:"_walletEvent"`
	Data  any    `json:"data"`
}

type inbound struct {
	Marker json.RawMessage `json:"_walletReq"`
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
}

var jsonTrue = []byte("true")

// Decode parses raw strictly. Anything without "_walletReq": true is
// ErrNoMarker; a marked message with a bad shape is ErrMalformed.
func Decode(raw []byte) (Request, error) {
	if !json.Valid(raw) {
		return Request{}, ErrMalformed
	}
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		// Valid JSON that is not an object.
		return Request{}, ErrNoMarker
	}
	if !bytes.Equal(bytes.TrimSpace(in.Marker), jsonTrue) {
		return Request{}, ErrNoMarker
	}

	var req Request
	if len(in.ID) > 0 && !bytes.Equal(in.ID, []byte("null")) {
		if err := json.Unmarshal(in.ID, &req.ID); err != nil {
			return Request{}, fmt.Errorf("%w: id must be a string", ErrMalformed)
		}
		if len(req.ID) > MaxIDLength {
			return Request{}, fmt.Errorf("%w: id longer than %d bytes", ErrMalformed, MaxIDLength)
		}
	}
	if err := json.Unmarshal(in.Method, &req.Method); err != nil || req.Method == "" {
		return Request{}, fmt.Errorf("%w: method must be a non-empty string", ErrMalformed)
	}
	if len(in.Params) > 0 && !bytes.Equal(in.Params, []byte("null")) {
		req.Params = in.Params
	}
	return req, nil
}
