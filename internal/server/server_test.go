package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/ppiankov/walletbridge/internal/approval"
	"github.com/ppiankov/walletbridge/internal/audit"
	"github.com/ppiankov/walletbridge/internal/backend"
	"github.com/ppiankov/walletbridge/internal/config"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/relay"
)

var quiet = log.New(io.Discard, "", 0)

type frame struct {
	RespID string          `json:"_walletRespId"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Event  string          `json:"_walletEvent"`
	Data   json.RawMessage `json:"data"`
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{"https://good.example"}
	cfg.AuditLog = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func devBackend() *backend.Dev {
	everyone := origin.PolicyFunc(func(origin.Origin) bool { return true })
	return backend.New(everyone, backend.WithAutoApprove(), backend.WithAccounts("0xabc"), backend.WithLogger(quiet))
}

// startServer serves s on a random port and returns its address. The
// returned stop func shuts the server down and waits for Serve to return.
func startServer(t *testing.T, s *Server) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	var once bool
	stop := func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("serve did not return")
		}
	}
	t.Cleanup(stop)
	return lis.Addr().String(), stop
}

func dial(t *testing.T, addr, pageOrigin string) *websocket.Conn {
	t.Helper()
	cfg, err := websocket.NewConfig("ws://"+addr+"/bridge", "http://"+addr)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Origin, err = url.Parse(pageOrigin); err != nil {
		t.Fatal(err)
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// replyTo reads frames until the reply for id arrives.
func replyTo(t *testing.T, conn *websocket.Conn, id string) frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			t.Fatalf("waiting for reply %s: %v", id, err)
		}
		if f.RespID == id {
			return f
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func getJSON(t *testing.T, rawURL string, v any) {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "Test Wallet"
	s, err := New(cfg, WithBackend(devBackend()), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, stop := startServer(t, s)
	waitFor(t, func() bool { return s.Fanout().State().Connected })

	good := dial(t, addr, "https://good.example")
	if err := websocket.JSON.Send(good, map[string]any{"_walletReq": true, "id": "r1", "method": "eth_requestAccounts"}); err != nil {
		t.Fatal(err)
	}
	if got := replyTo(t, good, "r1"); string(got.Result) != `["0xabc"]` {
		t.Fatalf("reply = %+v", got)
	}

	evil := dial(t, addr, "https://evil.example")
	if err := websocket.JSON.Send(evil, map[string]any{"_walletReq": true, "id": "r1", "method": "eth_accounts"}); err != nil {
		t.Fatal(err)
	}
	if got := replyTo(t, evil, "r1"); got.Error != relay.ReasonOriginNotAllowed {
		t.Fatalf("reply = %+v", got)
	}

	var up struct {
		Status     string `json:"status"`
		Connected  bool   `json:"connected"`
		PolicyHash string `json:"policy_hash"`
	}
	getJSON(t, "http://"+addr+"/up", &up)
	if up.Status != "ok" || !up.Connected || up.PolicyHash != s.PolicyHash() {
		t.Fatalf("/up = %+v", up)
	}

	var prov struct {
		Info struct {
			UUID string `json:"uuid"`
			Name string `json:"name"`
		} `json:"info"`
		Config struct {
			Accounts []string `json:"accounts"`
		} `json:"config"`
	}
	getJSON(t, "http://"+addr+"/provider", &prov)
	if prov.Info.Name != "Test Wallet" || prov.Info.UUID == "" {
		t.Fatalf("/provider = %+v", prov)
	}
	if len(prov.Config.Accounts) != 1 || prov.Config.Accounts[0] != "0xabc" {
		t.Fatalf("provider state not mirrored: %+v", prov.Config)
	}

	stop()
	if res := audit.Verify(cfg.AuditLog); !res.Valid {
		t.Fatalf("audit chain invalid: %+v", res)
	}
	rep, err := audit.Replay(cfg.AuditLog, audit.ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Summary.Decisions[audit.DecisionRejected] != 1 || rep.Summary.Decisions[audit.DecisionFulfilled] != 1 {
		t.Fatalf("decisions = %v", rep.Summary.Decisions)
	}
}

func TestHotReloadAllowlist(t *testing.T) {
	dir := t.TempDir()
	allowPath := filepath.Join(dir, "allow.txt")
	if err := os.WriteFile(allowPath, []byte("https://good.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	cfg.AllowedOrigins = nil
	cfg.AllowlistPath = allowPath

	s, err := New(cfg, WithBackend(devBackend()), WithReloadDelay(10*time.Millisecond), WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, s)
	before := s.PolicyHash()
	newcomer := origin.MustParse("https://new.example")
	if s.Relay().Allowed(newcomer) {
		t.Fatal("newcomer allowed before reload")
	}

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(allowPath, []byte("https://good.example\nhttps://new.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Relay().Allowed(newcomer) })
	if s.PolicyHash() == before {
		t.Fatal("policy hash unchanged after reload")
	}
}

func TestReloadKeepsPolicyOnError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("allowed_origins: [https://good.example]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AuditLog = ""
	s, err := New(cfg, WithBackend(devBackend()), WithConfigPath(cfgPath), WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(cfgPath, []byte("allowed_origins: [https://bad.example/path]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadPolicy(); err == nil {
		t.Fatal("expected reload error")
	}
	if !s.Relay().Allowed(origin.MustParse("https://good.example")) {
		t.Fatal("old policy lost after failed reload")
	}

	if err := os.WriteFile(cfgPath, []byte("allowed_origins: [https://other.example]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadPolicy(); err != nil {
		t.Fatal(err)
	}
	if s.Relay().Allowed(origin.MustParse("https://good.example")) {
		t.Fatal("removed origin still allowed")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequestTimeout = 0
	if _, err := New(cfg, WithBackend(devBackend())); err == nil || !strings.Contains(err.Error(), "request_timeout") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRemoteBackend(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	grpcSrv := gateway.NewServer()
	gateway.RegisterBackend(grpcSrv, devBackend())
	go grpcSrv.Serve(lis)
	t.Cleanup(grpcSrv.Stop)

	cfg := testConfig(t)
	cfg.BackendAddr = lis.Addr().String()
	s, err := New(cfg, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, s)
	waitFor(t, func() bool { return s.Fanout().State().Connected })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := s.Relay().Call(ctx, "https://good.example", "eth_chainId", nil)
	if err != nil || string(reply.Result) != `"0x1"` {
		t.Fatalf("call: %+v %v", reply, err)
	}

	grpcSrv.Stop()
	waitFor(t, func() bool { return !s.Fanout().State().Connected })
}

// framesUntil reads frames up to and including the reply for id.
func framesUntil(t *testing.T, conn *websocket.Conn, id string) []frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	var out []frame
	for {
		var f frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			t.Fatalf("waiting for reply %s: %v", id, err)
		}
		out = append(out, f)
		if f.RespID == id {
			return out
		}
	}
}

func firstFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := websocket.JSON.Receive(conn, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestAccountsStayWithApprovedOrigin(t *testing.T) {
	store, err := approval.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	everyone := origin.PolicyFunc(func(origin.Origin) bool { return true })
	dev := backend.New(everyone, backend.WithApprovals(store, time.Minute), backend.WithPollInterval(5*time.Millisecond),
		backend.WithAccounts("0xsecret"), backend.WithLogger(quiet))

	cfg := testConfig(t)
	cfg.AllowedOrigins = []string{"https://a.example", "https://b.example"}
	s, err := New(cfg, WithBackend(dev), WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := startServer(t, s)
	waitFor(t, func() bool { return s.Fanout().State().Connected })

	a := dial(t, addr, "https://a.example")
	b := dial(t, addr, "https://b.example")
	firstFrame(t, a)
	firstFrame(t, b)

	key := approval.KeyFor("https://a.example")
	go func() {
		for i := 0; i < 300; i++ {
			if st, err := store.Check(key); err == nil && st == approval.StatusPending {
				_ = store.Approve(key)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	if err := websocket.JSON.Send(a, map[string]any{"_walletReq": true, "id": "c", "method": "eth_requestAccounts"}); err != nil {
		t.Fatal(err)
	}
	if got := replyTo(t, a, "c"); string(got.Result) != `["0xsecret"]` {
		t.Fatalf("approved reply = %+v", got)
	}

	if err := websocket.JSON.Send(b, map[string]any{"_walletReq": true, "id": "b1", "method": "eth_accounts"}); err != nil {
		t.Fatal(err)
	}
	for _, f := range framesUntil(t, b, "b1") {
		if f.Event == "accountsChanged" {
			t.Fatalf("unapproved origin received %s", f.Data)
		}
		if f.RespID == "b1" && string(f.Result) != `[]` {
			t.Fatalf("unapproved eth_accounts = %s", f.Result)
		}
	}

	var cfgFrame struct {
		Accounts        []string `json:"accounts"`
		SelectedAddress string   `json:"selectedAddress"`
	}
	fresh := firstFrame(t, dial(t, addr, "https://b.example"))
	if err := json.Unmarshal(fresh.Data, &cfgFrame); err != nil {
		t.Fatal(err)
	}
	if fresh.Event != "providerConfig" || len(cfgFrame.Accounts) != 0 || cfgFrame.SelectedAddress != "" {
		t.Fatalf("unapproved providerConfig = %s", fresh.Data)
	}
	again := firstFrame(t, dial(t, addr, "https://a.example"))
	if err := json.Unmarshal(again.Data, &cfgFrame); err != nil {
		t.Fatal(err)
	}
	if cfgFrame.SelectedAddress != "0xsecret" {
		t.Fatalf("approved providerConfig = %s", again.Data)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/provider", nil)
	req.Header.Set("Origin", "https://b.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var prov struct {
		Config struct {
			Accounts []string `json:"accounts"`
		} `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&prov); err != nil {
		t.Fatal(err)
	}
	if len(prov.Config.Accounts) != 0 {
		t.Fatalf("/provider for unapproved origin = %+v", prov.Config)
	}
}
