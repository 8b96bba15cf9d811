// Package approval keeps account-connection requests waiting for a human
// decision. Each request is one JSON file, so an operator can approve or
// deny from another process.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrNotFound is returned for keys with no approval file.
var ErrNotFound = errors.New("approval not found")

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("key must not be empty")
	case strings.Contains(key, ".."):
		return fmt.Errorf("key must not contain '..'")
	case !validKey.MatchString(key):
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// KeyFor derives the approval key for an origin's connection request.
func KeyFor(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return "connect-" + hex.EncodeToString(sum[:6])
}

// Status is the state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Approval is one connection request.
type Approval struct {
	Key        string     `json:"key"`
	Origin     string     `json:"origin"`
	Method     string     `json:"method"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store manages approval files in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a Store in dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// DefaultDir returns ~/.walletbridge/pending.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "walletbridge-pending")
	}
	return filepath.Join(home, ".walletbridge", "pending")
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Request records a pending approval for origin. A pending request under
// the same key is left as is; a resolved one is replaced. ttl > 0 bounds
// how long the request stays pending.
func (s *Store) Request(key, origin, method string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, err := s.read(key); err == nil && a.Status == StatusPending && !s.expired(a) {
		return nil
	}
	now := s.now().UTC()
	a := Approval{Key: key, Origin: origin, Method: method, Status: StatusPending, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		a.ExpiresAt = &exp
	}
	return s.writeAtomic(a)
}

// Approve marks a pending approval approved.
func (s *Store) Approve(key string) error {
	return s.resolve(key, StatusApproved)
}

// Deny marks a pending approval denied.
func (s *Store) Deny(key string) error {
	return s.resolve(key, StatusDenied)
}

func (s *Store) resolve(key string, to Status) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return fmt.Errorf("approval %q: %w", key, err)
	}
	if s.expired(a) {
		return fmt.Errorf("approval %q already expired", key)
	}
	if a.Status != StatusPending {
		return fmt.Errorf("approval %q already %s", key, a.Status)
	}
	a.Status = to
	now := s.now().UTC()
	a.ResolvedAt = &now
	return s.writeAtomic(*a)
}

// Check returns the status of key. A pending approval past its deadline
// is reported, and persisted, as expired.
func (s *Store) Check(key string) (Status, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid approval key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return "", fmt.Errorf("approval %q: %w", key, err)
	}
	if s.expired(a) {
		a.Status = StatusExpired
		if err := s.writeAtomic(*a); err != nil {
			return "", err
		}
	}
	return a.Status, nil
}

func (s *Store) expired(a *Approval) bool {
	return a.Status == StatusPending && a.ExpiresAt != nil && s.now().UTC().After(*a.ExpiresAt)
}

// Remove deletes the approval for key. Missing keys are not an error.
func (s *Store) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every approval, oldest first.
func (s *Store) List() ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if s.expired(a) {
			a.Status = StatusExpired
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes every approval file.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Approval, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) writeAtomic(a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(a.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
