// Package integrity verifies the walletbridge binary before it serves pages.
// The expected hash comes from ldflags or a checksum file written after
// install. A mismatch is logged, alerted and fatal.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/walletbridge/internal/alert"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/walletbridge/internal/integrity.ExpectedHash=<sha256hex>"
var ExpectedHash string

// ErrMismatch is returned when the running binary differs from the
// expected hash.
var ErrMismatch = errors.New("integrity: binary checksum mismatch")

const alertTimeout = 5 * time.Second

// Checker verifies one executable.
type Checker struct {
	// Binary is the file to hash. Empty means os.Executable.
	Binary string
	// ChecksumPaths are tried in order when ExpectedHash is empty.
	ChecksumPaths []string
	// TamperLog receives one JSON line per mismatch. Empty disables it.
	TamperLog string
	Alerts    []alert.Config
	Logger    *log.Logger
}

// NewChecker returns a checker for the running binary using the checksum
// and tamper log locations under dir.
func NewChecker(dir string, alerts []alert.Config) *Checker {
	c := &Checker{
		ChecksumPaths: []string{"/etc/walletbridge/binary.sha256"},
		Alerts:        alerts,
		Logger:        log.New(os.Stderr, "integrity: ", 0),
	}
	if dir != "" {
		c.ChecksumPaths = append(c.ChecksumPaths, filepath.Join(dir, "binary.sha256"))
		c.TamperLog = filepath.Join(dir, "tamper.jsonl")
	}
	return c
}

// TamperEvent records a mismatch.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
}

// Verify returns nil when the binary matches or no expected hash is known.
func (c *Checker) Verify(ctx context.Context) error {
	expected := strings.ToLower(ExpectedHash)
	if expected == "" {
		expected = c.loadChecksumFile()
	}
	if expected == "" {
		c.Logger.Printf("no build-time hash or checksum file, check skipped")
		return nil
	}

	bin, err := c.binary()
	if err != nil {
		return err
	}
	actual, err := HashFile(bin)
	if err != nil {
		return fmt.Errorf("integrity: hash binary: %w", err)
	}
	if actual == expected {
		return nil
	}

	ev := TamperEvent{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Binary:       bin,
		ExpectedHash: expected,
		ActualHash:   actual,
	}
	ev.Hostname, _ = os.Hostname()
	c.record(ev)
	c.notify(ctx, ev)
	return fmt.Errorf("%w (expected %s, got %s)", ErrMismatch, expected, actual)
}

// HashSelf returns the SHA-256 hex digest of the running binary.
func HashSelf() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: resolve executable: %w", err)
	}
	return HashFile(exe)
}

// HashFile returns the SHA-256 hex digest of path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Checker) binary() (string, error) {
	if c.Binary != "" {
		return c.Binary, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: resolve executable: %w", err)
	}
	return exe, nil
}

func (c *Checker) loadChecksumFile() string {
	for _, p := range c.ChecksumPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		// sha256sum output carries the file name after the digest.
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			continue
		}
		hash := strings.ToLower(fields[0])
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
		c.Logger.Printf("ignoring malformed checksum file %s", p)
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func (c *Checker) record(ev TamperEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.Logger.Printf("TAMPER %s", line)
	if c.TamperLog == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.TamperLog), 0o700); err != nil {
		c.Logger.Printf("tamper log: %v", err)
		return
	}
	f, err := os.OpenFile(c.TamperLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		c.Logger.Printf("tamper log: %v", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
	_ = f.Sync()
}

// notify sends synchronously; the process exits right after.
func (c *Checker) notify(ctx context.Context, ev TamperEvent) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	payload := alert.Event{
		Timestamp: ev.Timestamp,
		Kind:      alert.KindBinaryTamper,
		Origin:    ev.Hostname,
		Message:   fmt.Sprintf("%s: expected %s, got %s", ev.Binary, ev.ExpectedHash, ev.ActualHash),
	}
	for _, cfg := range c.Alerts {
		if !slices.Contains(cfg.Events, alert.KindBinaryTamper) {
			continue
		}
		if err := alert.Send(ctx, cfg, payload); err != nil {
			c.Logger.Printf("tamper alert -> %s: %v", cfg.URL, err)
		}
	}
}
