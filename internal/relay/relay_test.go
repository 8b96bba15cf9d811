package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/walletbridge/internal/audit"
	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
)

var quiet = log.New(io.Discard, "", 0)

type fakeSender struct {
	origin origin.Origin
	mu     sync.Mutex
	got    []Reply
	events []EventFrame
	ch     chan Reply
}

func newSender(o string) *fakeSender {
	return &fakeSender{origin: origin.Origin(o), ch: make(chan Reply, 16)}
}

func (s *fakeSender) Origin() origin.Origin { return s.origin }

func (s *fakeSender) Send(r Reply) error {
	s.mu.Lock()
	s.got = append(s.got, r)
	s.mu.Unlock()
	s.ch <- r
	return nil
}

func (s *fakeSender) SendEvent(f EventFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, f)
	return nil
}

func (s *fakeSender) replies() []Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reply(nil), s.got...)
}

func (s *fakeSender) wait(t *testing.T) Reply {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	return Reply{}
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Record(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) decisions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Decision)
	}
	return out
}

type countingGateway struct {
	calls atomic.Int32
	fn    gateway.Func
}

func (g *countingGateway) Execute(ctx context.Context, method string, params json.RawMessage, cc gateway.CallContext) (json.RawMessage, error) {
	g.calls.Add(1)
	return g.fn(ctx, method, params, cc)
}

func newTestRelay(t *testing.T, fn gateway.Func, opts ...Option) (*Relay, *countingGateway, *memAudit) {
	t.Helper()
	allow, err := origin.NewAllowList("https://good.example", "https://other.example")
	if err != nil {
		t.Fatal(err)
	}
	gw := &countingGateway{fn: fn}
	rec := &memAudit{}
	calls := correlate.New(correlate.WithLogger(quiet))
	base := []Option{WithLogger(quiet), WithAudit(rec)}
	r := New(allow, gw, calls, append(base, opts...)...)
	return r, gw, rec
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Request
		wantErr error
	}{
		{"full", `{"_walletReq":true,"id":"r1","method":"eth_chainId","params":[1]}`, Request{ID: "r1", Method: "eth_chainId", Params: json.RawMessage(`[1]`)}, nil},
		{"no id", `{"_walletReq":true,"method":"eth_accounts"}`, Request{Method: "eth_accounts"}, nil},
		{"null params", `{"_walletReq":true,"method":"eth_accounts","params":null}`, Request{Method: "eth_accounts"}, nil},
		{"no marker", `{"id":"r1","method":"eth_chainId"}`, Request{}, ErrNoMarker},
		{"marker false", `{"_walletReq":false,"method":"eth_chainId"}`, Request{}, ErrNoMarker},
		{"marker string", `{"_walletReq":"true","method":"eth_chainId"}`, Request{}, ErrNoMarker},
		{"not an object", `["_walletReq"]`, Request{}, ErrNoMarker},
		{"invalid json", `{"_walletReq":true,`, Request{}, ErrMalformed},
		{"numeric id", `{"_walletReq":true,"id":7,"method":"eth_chainId"}`, Request{}, ErrMalformed},
		{"empty method", `{"_walletReq":true,"method":""}`, Request{}, ErrMalformed},
		{"missing method", `{"_walletReq":true,"id":"r1"}`, Request{}, ErrMalformed},
		{"long id", `{"_walletReq":true,"id":"` + strings.Repeat("x", MaxIDLength+1) + `","method":"m"}`, Request{}, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if got.ID != tt.want.ID || got.Method != tt.want.Method || string(got.Params) != string(tt.want.Params) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRejectedOriginNeverReachesGateway(t *testing.T) {
	r, gw, rec := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return json.RawMessage(`["0xabc"]`), nil
	})
	evil := newSender("https://evil.example")

	r.Handle(context.Background(), evil, []byte(`{"_walletReq":true,"id":"r1","method":"eth_requestAccounts"}`))
	r.Wait()

	got := evil.replies()
	if len(got) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(got))
	}
	if s := mustJSON(t, got[0]); s != `{"_walletRespId":"r1","error":"origin_not_allowed"}` {
		t.Fatalf("reply = %s", s)
	}
	if gw.calls.Load() != 0 {
		t.Fatalf("gateway called %d times", gw.calls.Load())
	}
	if d := rec.decisions(); len(d) != 1 || d[0] != audit.DecisionRejected {
		t.Fatalf("audit = %v", d)
	}
}

func TestZeroOriginRejected(t *testing.T) {
	r, gw, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return nil, nil
	})
	anon := newSender("")
	r.Handle(context.Background(), anon, []byte(`{"_walletReq":true,"id":"r1","method":"eth_accounts"}`))
	if reply := anon.wait(t); reply.Error != ReasonOriginNotAllowed {
		t.Fatalf("reply = %+v", reply)
	}
	if gw.calls.Load() != 0 {
		t.Fatal("gateway called for a zero origin")
	}
}

func TestAllowedOriginGetsResult(t *testing.T) {
	var seen gateway.CallContext
	var seenParams string
	r, _, rec := newTestRelay(t, func(_ context.Context, method string, params json.RawMessage, cc gateway.CallContext) (json.RawMessage, error) {
		seen = cc
		seenParams = string(params)
		if method != "eth_requestAccounts" {
			return nil, gateway.NewFault(gateway.CodeUnsupportedMethod, "unsupported method")
		}
		return json.RawMessage(`["0xabc"]`), nil
	})
	good := newSender("https://good.example")

	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"r1","method":"eth_requestAccounts"}`))
	reply := good.wait(t)
	r.Wait()

	if s := mustJSON(t, reply); s != `{"_walletRespId":"r1","result":["0xabc"]}` {
		t.Fatalf("reply = %s", s)
	}
	if seen.Origin != "https://good.example" || seen.RequestID == "" || seen.RequestID == "r1" {
		t.Fatalf("call context = %+v", seen)
	}
	if seenParams != "[]" {
		t.Fatalf("params = %s", seenParams)
	}
	if d := rec.decisions(); strings.Join(d, ",") != "dispatched,fulfilled" {
		t.Fatalf("audit = %v", d)
	}
	if r.calls.Pending() != 0 {
		t.Fatalf("pending = %d after reply", r.calls.Pending())
	}
}

func TestMissingIDIsMinted(t *testing.T) {
	r, _, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return json.RawMessage(`"0x1"`), nil
	})
	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"method":"eth_chainId"}`))
	reply := good.wait(t)
	if !strings.HasPrefix(reply.RespID, "req_") || string(reply.Result) != `"0x1"` {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestNullResultIsExplicit(t *testing.T) {
	r, _, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return nil, nil
	})
	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"n","method":"wallet_revokePermissions"}`))
	if s := mustJSON(t, good.wait(t)); s != `{"_walletRespId":"n","result":null}` {
		t.Fatalf("reply = %s", s)
	}
}

func TestIgnoredMessages(t *testing.T) {
	r, gw, rec := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return nil, nil
	})
	good := newSender("https://good.example")
	evil := newSender("https://evil.example")
	for _, raw := range []string{`{"type":"unrelated"}`, `hello`, `{"_walletReq":true}`} {
		r.Handle(context.Background(), good, []byte(raw))
		r.Handle(context.Background(), evil, []byte(raw))
	}
	r.Wait()
	if len(good.replies())+len(evil.replies()) != 0 {
		t.Fatal("ignored messages must not be answered")
	}
	if gw.calls.Load() != 0 {
		t.Fatal("ignored messages reached the gateway")
	}
	for _, d := range rec.decisions() {
		if d != audit.DecisionDropped {
			t.Fatalf("unexpected decision %s", d)
		}
	}
}

func TestFaultIsStringified(t *testing.T) {
	r, _, rec := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		return nil, gateway.NewFault(gateway.CodeUserRejected, "User rejected the request.")
	})
	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"f1","method":"eth_sendTransaction","params":[{}]}`))
	reply := good.wait(t)
	r.Wait()

	if s := mustJSON(t, reply); s != `{"_walletRespId":"f1","error":"User rejected the request."}` {
		t.Fatalf("reply = %s", s)
	}
	rec.mu.Lock()
	last := rec.entries[len(rec.entries)-1]
	rec.mu.Unlock()
	if last.Decision != audit.DecisionFaulted || last.FaultCode != 4001 {
		t.Fatalf("audit entry = %+v", last)
	}
}

func TestPanickingGatewayIsContained(t *testing.T) {
	r, _, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		panic("backend exploded")
	})
	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"p","method":"eth_chainId"}`))
	if reply := good.wait(t); reply.Error != "internal error" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestConcurrentRequestsRouteToTheirSenders(t *testing.T) {
	release := map[string]chan struct{}{
		"eth_a": make(chan struct{}),
		"eth_b": make(chan struct{}),
	}
	r, _, _ := newTestRelay(t, func(_ context.Context, method string, _ json.RawMessage, _ gateway.CallContext) (json.RawMessage, error) {
		<-release[method]
		return json.Marshal(method)
	})

	a := newSender("https://good.example")
	b := newSender("https://good.example")
	r.Handle(context.Background(), a, []byte(`{"_walletReq":true,"id":"same","method":"eth_a"}`))
	r.Handle(context.Background(), b, []byte(`{"_walletReq":true,"id":"same","method":"eth_b"}`))
	if r.calls.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", r.calls.Pending())
	}

	close(release["eth_b"])
	gotB := b.wait(t)
	if string(gotB.Result) != `"eth_b"` || r.calls.Pending() != 1 {
		t.Fatalf("b got %+v, pending %d", gotB, r.calls.Pending())
	}
	if len(a.replies()) != 0 {
		t.Fatal("resolving b delivered to a")
	}

	close(release["eth_a"])
	gotA := a.wait(t)
	r.Wait()
	if string(gotA.Result) != `"eth_a"` || gotA.RespID != "same" {
		t.Fatalf("a got %+v", gotA)
	}
	if len(a.replies()) != 1 || len(b.replies()) != 1 {
		t.Fatalf("replies a=%d b=%d", len(a.replies()), len(b.replies()))
	}
}

func TestDuplicateOutstandingIDFromSameSender(t *testing.T) {
	block := make(chan struct{})
	r, gw, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		<-block
		return json.RawMessage(`1`), nil
	})
	good := newSender("https://good.example")
	msg := []byte(`{"_walletReq":true,"id":"d","method":"eth_blockNumber"}`)
	r.Handle(context.Background(), good, msg)
	r.Handle(context.Background(), good, msg)

	if reply := good.wait(t); reply.Error != ReasonDuplicateID {
		t.Fatalf("reply = %+v", reply)
	}
	close(block)
	if reply := good.wait(t); string(reply.Result) != "1" {
		t.Fatalf("reply = %+v", reply)
	}
	r.Wait()
	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d", gw.calls.Load())
	}

	// Once answered the id may be reused.
	r.Handle(context.Background(), good, msg)
	if reply := good.wait(t); string(reply.Result) != "1" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRequestTimeout(t *testing.T) {
	r, _, rec := newTestRelay(t, func(ctx context.Context, _ string, _ json.RawMessage, _ gateway.CallContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, gateway.AsFault(ctx.Err())
	}, WithTimeout(20*time.Millisecond))
	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"t","method":"eth_sign"}`))
	if reply := good.wait(t); reply.Error != ReasonTimeout {
		t.Fatalf("reply = %+v", reply)
	}
	r.Wait()
	if d := rec.decisions(); strings.Join(d, ",") != "dispatched,evicted" {
		t.Fatalf("audit = %v", d)
	}
}

func TestEvictionRepliesAndDropsLateResult(t *testing.T) {
	block := make(chan struct{})
	r, _, rec := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		<-block
		return json.RawMessage(`"late"`), nil
	}, WithTimeout(0))
	r.calls = correlate.New(correlate.WithLogger(quiet), correlate.WithTimeout(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond)

	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"e","method":"eth_sign"}`))
	if reply := good.wait(t); reply.Error != ReasonTimeout || reply.RespID != "e" {
		t.Fatalf("reply = %+v", reply)
	}

	close(block)
	r.Wait()
	if n := len(good.replies()); n != 1 {
		t.Fatalf("late result was delivered: %d replies", n)
	}
	if r.calls.Dropped() != 1 {
		t.Fatalf("dropped = %d", r.calls.Dropped())
	}
	if d := rec.decisions(); strings.Join(d, ",") != "dispatched,evicted,dropped" {
		t.Fatalf("audit = %v", d)
	}
}

func TestDetachedSenderGetsNoReply(t *testing.T) {
	block := make(chan struct{})
	r, _, _ := newTestRelay(t, func(context.Context, string, json.RawMessage, gateway.CallContext) (json.RawMessage, error) {
		<-block
		return json.RawMessage(`1`), nil
	})
	good := newSender("https://good.example")
	detach := r.Attach(good)
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"x","method":"eth_chainId"}`))
	detach()
	close(block)
	r.Wait()
	if len(good.replies()) != 0 {
		t.Fatal("reply delivered after detach")
	}
}

func (s *fakeSender) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.events {
		b, _ := json.Marshal(f)
		out = append(out, string(b))
	}
	return out
}

// accountsGateway grants "0xabc" to every origin and forgets revoked ones.
func accountsGateway(_ context.Context, method string, _ json.RawMessage, _ gateway.CallContext) (json.RawMessage, error) {
	switch method {
	case "eth_requestAccounts":
		return json.RawMessage(`["0xabc"]`), nil
	case "wallet_revokePermissions":
		return json.RawMessage(`null`), nil
	}
	return json.RawMessage(`"0x1"`), nil
}

func TestBroadcast(t *testing.T) {
	r, _, _ := newTestRelay(t, accountsGateway)
	good := newSender("https://good.example")
	evil := newSender("https://evil.example")
	gone := newSender("https://good.example")
	r.Attach(good)
	r.Attach(evil)
	r.Attach(gone)()

	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"c","method":"eth_requestAccounts"}`))
	good.wait(t)
	r.Wait()

	fan := event.NewFanout(quiet)
	r.Follow(fan)
	fan.Publish(event.AccountsChanged{Accounts: []string{"0xdef", "0xabc"}})
	fan.Publish(event.ChainChanged{ChainID: "0x89"})

	want := []string{
		`{"_walletEvent":"accountsChanged","data":["0xabc"]}`,
		`{"_walletEvent":"accountsChanged","data":["0xdef","0xabc"]}`,
		`{"_walletEvent":"chainChanged","data":"0x89"}`,
	}
	if got := good.frames(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("frames = %v", got)
	}
	if len(evil.frames()) != 0 || len(gone.frames()) != 0 {
		t.Fatal("events leaked to a disallowed or detached sender")
	}
}

func TestAccountsOnlyReachGrantedOrigins(t *testing.T) {
	r, _, _ := newTestRelay(t, accountsGateway)
	approved := newSender("https://good.example")
	other := newSender("https://other.example")
	r.Attach(approved)
	r.Attach(other)
	fan := event.NewFanout(quiet)
	r.Follow(fan)

	r.Handle(context.Background(), approved, []byte(`{"_walletReq":true,"id":"c","method":"eth_requestAccounts"}`))
	approved.wait(t)
	r.Wait()
	// The backend announces the grant to its subscribers.
	fan.Publish(event.AccountsChanged{Accounts: []string{"0xabc"}})
	fan.Publish(event.ChainChanged{ChainID: "0x89"})

	if got := approved.frames(); len(got) != 2 || !strings.Contains(got[0], `["0xabc"]`) {
		t.Fatalf("approved frames = %v", got)
	}
	if got := other.frames(); len(got) != 1 || !strings.Contains(got[0], "chainChanged") {
		t.Fatalf("unapproved origin saw account data: %v", got)
	}

	st := fan.State()
	if got := r.StateFor("https://other.example", st); len(got.Accounts) != 0 || got.SelectedAddress != "" || got.ChainID != "0x89" {
		t.Fatalf("state for unapproved origin = %+v", got)
	}
	if got := r.StateFor("https://good.example", st); got.SelectedAddress != "0xabc" {
		t.Fatalf("state for approved origin = %+v", got)
	}
}

func TestRevokeAndDisconnectWithdrawGrant(t *testing.T) {
	r, _, _ := newTestRelay(t, accountsGateway)
	good := newSender("https://good.example")
	r.Attach(good)
	fan := event.NewFanout(quiet)
	r.Follow(fan)

	request := func(id, method string) {
		r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"`+id+`","method":"`+method+`"}`))
		good.wait(t)
		r.Wait()
	}

	request("c1", "eth_requestAccounts")
	request("r1", "wallet_revokePermissions")
	if r.Granted("https://good.example") {
		t.Fatal("grant survived revoke")
	}
	fan.Publish(event.AccountsChanged{Accounts: []string{"0xabc"}})

	request("c2", "eth_requestAccounts")
	fan.Publish(event.Disconnect{Code: 1011, Message: "gone"})
	if r.Granted("https://good.example") {
		t.Fatal("grant survived disconnect")
	}

	request("c3", "eth_requestAccounts")
	fan.Publish(event.AccountsChanged{Accounts: []string{}})
	if r.Granted("https://good.example") {
		t.Fatal("grant survived an empty accountsChanged")
	}

	want := []string{
		`{"_walletEvent":"accountsChanged","data":["0xabc"]}`,
		`{"_walletEvent":"accountsChanged","data":[]}`,
		`{"_walletEvent":"accountsChanged","data":["0xabc"]}`,
		`{"_walletEvent":"disconnect","data":{"code":1011,"message":"gone"}}`,
		`{"_walletEvent":"accountsChanged","data":["0xabc"]}`,
		`{"_walletEvent":"accountsChanged","data":[]}`,
	}
	if got := good.frames(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("frames = %v", got)
	}
}

func TestEvictedCallReplaysByPageID(t *testing.T) {
	block := make(chan struct{})
	var backendID atomic.Value
	r, _, _ := newTestRelay(t, func(_ context.Context, _ string, _ json.RawMessage, cc gateway.CallContext) (json.RawMessage, error) {
		backendID.Store(string(cc.RequestID))
		<-block
		return json.RawMessage(`"late"`), nil
	}, WithTimeout(0))
	r.calls = correlate.New(correlate.WithLogger(quiet), correlate.WithTimeout(10*time.Millisecond))

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLog, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r.audit = auditLog

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond)

	good := newSender("https://good.example")
	r.Handle(context.Background(), good, []byte(`{"_walletReq":true,"id":"page-7","method":"eth_sign"}`))
	good.wait(t)
	close(block)
	r.Wait()
	if err := auditLog.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := audit.Replay(path, audit.ReplayFilter{RequestID: "page-7"})
	if err != nil {
		t.Fatal(err)
	}
	var decisions []string
	for _, e := range res.Entries {
		decisions = append(decisions, e.Decision)
		if e.CorrelationID != backendID.Load() {
			t.Errorf("%s entry correlation id = %q, backend saw %q", e.Decision, e.CorrelationID, backendID.Load())
		}
	}
	if strings.Join(decisions, ",") != "dispatched,evicted,dropped" {
		t.Fatalf("replay by page id = %v", decisions)
	}

	byBackend, err := audit.Replay(path, audit.ReplayFilter{RequestID: backendID.Load().(string)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byBackend.Entries) != 3 {
		t.Fatalf("replay by backend id = %d entries", len(byBackend.Entries))
	}
}

func TestCallAndPending(t *testing.T) {
	block := make(chan struct{})
	r, _, _ := newTestRelay(t, func(_ context.Context, method string, _ json.RawMessage, _ gateway.CallContext) (json.RawMessage, error) {
		if method == "slow" {
			<-block
		}
		return json.RawMessage(`"ok"`), nil
	})

	reply, err := r.Call(context.Background(), "https://good.example", "eth_chainId", nil)
	if err != nil || string(reply.Result) != `"ok"` {
		t.Fatalf("reply=%+v err=%v", reply, err)
	}
	reply, err = r.Call(context.Background(), "https://evil.example", "eth_chainId", nil)
	if err != nil || reply.Error != ReasonOriginNotAllowed {
		t.Fatalf("reply=%+v err=%v", reply, err)
	}

	slow := newSender("https://good.example")
	r.Handle(context.Background(), slow, []byte(`{"_walletReq":true,"id":"s1","method":"slow"}`))
	pending := r.Pending(time.Now())
	if len(pending) != 1 || pending[0].ID != "s1" || pending[0].Method != "slow" || pending[0].Origin != "https://good.example" {
		t.Fatalf("pending = %+v", pending)
	}
	close(block)
	slow.wait(t)
	r.Wait()

	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d sessions left behind", n)
	}
}
