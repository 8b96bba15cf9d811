package approval

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestRequestCreatesFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Request("connect-1", "https://good.example", "eth_requestAccounts", 0); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "connect-1.json")); err != nil {
		t.Fatalf("approval file missing: %v", err)
	}
	a, err := s.read("connect-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusPending || a.Origin != "https://good.example" || a.Method != "eth_requestAccounts" {
		t.Errorf("got %+v", a)
	}
}

func TestRequestKeepsPending(t *testing.T) {
	s := newTestStore(t)
	s.Request("k", "https://a.example", "m1", 0)
	s.Request("k", "https://b.example", "m2", 0)
	a, _ := s.read("k")
	if a.Origin != "https://a.example" {
		t.Errorf("pending request was overwritten: %+v", a)
	}
}

func TestRequestReplacesResolved(t *testing.T) {
	s := newTestStore(t)
	s.Request("k", "https://a.example", "m", 0)
	s.Deny("k")
	s.Request("k", "https://a.example", "m", 0)
	if st, _ := s.Check("k"); st != StatusPending {
		t.Errorf("expected fresh pending request, got %s", st)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(*Store, string) error
		want    Status
	}{
		{"approve", (*Store).Approve, StatusApproved},
		{"deny", (*Store).Deny, StatusDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			s.Request("k", "https://a.example", "m", time.Minute)
			if err := tt.resolve(s, "k"); err != nil {
				t.Fatal(err)
			}
			st, err := s.Check("k")
			if err != nil || st != tt.want {
				t.Fatalf("status=%s err=%v", st, err)
			}
			if err := tt.resolve(s, "k"); err == nil {
				t.Fatal("resolving twice should fail")
			}
		})
	}
}

func TestPendingExpires(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Request("k", "https://a.example", "m", time.Second)

	now = now.Add(2 * time.Second)
	if st, _ := s.Check("k"); st != StatusExpired {
		t.Fatalf("expected expired, got %s", st)
	}
	if err := s.Approve("k"); err == nil {
		t.Fatal("approving an expired request should fail")
	}
}

func TestCheckNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Check("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Approve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", "../etc/passwd", "a/b", "with space"} {
		if err := s.Request(key, "o", "m", 0); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestListRemoveCleanup(t *testing.T) {
	s := newTestStore(t)
	s.Request("a", "https://a.example", "m", 0)
	s.Request("b", "https://b.example", "m", 0)

	list, err := s.List()
	if err != nil || len(list) != 2 {
		t.Fatalf("list=%v err=%v", list, err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("removing twice: %v", err)
	}
	if list, _ := s.List(); len(list) != 1 || list[0].Key != "b" {
		t.Fatalf("list after remove = %v", list)
	}
	if err := s.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if list, _ := s.List(); len(list) != 0 {
		t.Errorf("expected 0 after cleanup, got %d", len(list))
	}
}

func TestKeyFor(t *testing.T) {
	k := KeyFor("https://good.example")
	if k != KeyFor("https://good.example") || k == KeyFor("https://evil.example") {
		t.Fatal("KeyFor must be deterministic and origin-specific")
	}
	if !strings.HasPrefix(k, "connect-") || validateKey(k) != nil {
		t.Fatalf("bad key %q", k)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Request("concurrent", "https://a.example", "m", 0)
			s.Check("concurrent")
		}()
	}
	wg.Wait()
	if st, err := s.Check("concurrent"); err != nil || st != StatusPending {
		t.Fatalf("status=%s err=%v", st, err)
	}
}
