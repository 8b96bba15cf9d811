package gateway

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
)

// Params, results and fault data cross the wire as JSON text inside a
// structpb.Struct so numeric values keep their exact representation.
const (
	fieldMethod     = "method"
	fieldParams     = "params_json"
	fieldOrigin     = "origin"
	fieldRequestID  = "request_id"
	fieldResult     = "result_json"
	fieldError      = "error"
	fieldCode       = "code"
	fieldMessage    = "message"
	fieldData       = "data_json"
	fieldEvent      = "event"
	fieldPayload    = "payload_json"
	emptyJSONParams = "[]"
)

func encodeRequest(method string, params json.RawMessage, cc CallContext) *structpb.Struct {
	p := string(params)
	if len(params) == 0 {
		p = emptyJSONParams
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMethod:    structpb.NewStringValue(method),
		fieldParams:    structpb.NewStringValue(p),
		fieldOrigin:    structpb.NewStringValue(string(cc.Origin)),
		fieldRequestID: structpb.NewStringValue(string(cc.RequestID)),
	}}
}

func decodeRequest(s *structpb.Struct) (method string, params json.RawMessage, cc CallContext, err error) {
	f := s.GetFields()
	method = f[fieldMethod].GetStringValue()
	if method == "" {
		return "", nil, CallContext{}, NewFault(CodeInvalidRequest, "missing method")
	}
	raw := f[fieldParams].GetStringValue()
	if raw == "" {
		raw = emptyJSONParams
	}
	if !json.Valid([]byte(raw)) {
		return "", nil, CallContext{}, NewFault(CodeInvalidParams, "params are not valid JSON")
	}
	cc = CallContext{
		Origin:    origin.Origin(f[fieldOrigin].GetStringValue()),
		RequestID: correlate.RequestID(f[fieldRequestID].GetStringValue()),
	}
	return method, json.RawMessage(raw), cc, nil
}

func encodeResult(result json.RawMessage, err error) *structpb.Struct {
	if err != nil {
		f := AsFault(err)
		fields := map[string]*structpb.Value{
			fieldCode:    structpb.NewNumberValue(float64(f.Code)),
			fieldMessage: structpb.NewStringValue(f.Message),
		}
		if len(f.Data) > 0 {
			fields[fieldData] = structpb.NewStringValue(string(f.Data))
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			fieldError: structpb.NewStructValue(&structpb.Struct{Fields: fields}),
		}}
	}
	r := string(result)
	if len(result) == 0 {
		r = "null"
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldResult: structpb.NewStringValue(r),
	}}
}

func decodeResult(s *structpb.Struct) (json.RawMessage, error) {
	f := s.GetFields()
	if ev, ok := f[fieldError]; ok {
		ef := ev.GetStructValue().GetFields()
		fault := &Fault{
			Code:    int(ef[fieldCode].GetNumberValue()),
			Message: ef[fieldMessage].GetStringValue(),
		}
		if d := ef[fieldData].GetStringValue(); d != "" && json.Valid([]byte(d)) {
			fault.Data = json.RawMessage(d)
		}
		if fault.Code == 0 {
			fault.Code = CodeInternal
		}
		return nil, fault
	}
	rv, ok := f[fieldResult]
	if !ok {
		return nil, NewFault(CodeInternal, "backend reply carries neither result nor error")
	}
	raw := rv.GetStringValue()
	if !json.Valid([]byte(raw)) {
		return nil, NewFault(CodeInternal, "backend result is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func encodeEvent(ev event.Event) (*structpb.Struct, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEvent:   structpb.NewStringValue(string(ev.Kind())),
		fieldPayload: structpb.NewStringValue(string(payload)),
	}}, nil
}

func decodeEvent(s *structpb.Struct) (event.Event, error) {
	f := s.GetFields()
	return event.Decode(f[fieldEvent].GetStringValue(), json.RawMessage(f[fieldPayload].GetStringValue()))
}
