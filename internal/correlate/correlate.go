package correlate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/walletbridge/internal/origin"
)

// ErrDuplicateID is returned by Track when the id is already outstanding.
var ErrDuplicateID = errors.New("request id already pending")

// DefaultTimeout bounds how long a PendingCall may stay outstanding.
const DefaultTimeout = 2 * time.Minute

// RequestID is an opaque correlation token.
type RequestID string

var counter atomic.Uint64

// NewID returns a process-unique id: req_<unix-ms>_<counter>_<random hex>.
func NewID() RequestID {
	n := counter.Add(1)
	b := make([]byte, 4)
	suffix := ""
	if _, err := rand.Read(b); err == nil {
		suffix = "_" + hex.EncodeToString(b)
	}
	return RequestID("req_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + strconv.FormatUint(n, 10) + suffix)
}

// Target is the reply handle captured when a request arrives. The
// correlator never inspects it.
type Target any

// PendingCall is one accepted cross-context request awaiting its reply.
type PendingCall struct {
	ID       RequestID
	Origin   origin.Origin
	IssuedAt time.Time
	ReplyTo  Target
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets the eviction age. Zero disables eviction.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithClock overrides time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithLogger sets the logger used for dropped replies.
func WithLogger(l *log.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// Correlator tracks outstanding requests by id. Safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[RequestID]PendingCall
	timeout time.Duration
	now     func() time.Time
	logger  *log.Logger
	dropped atomic.Uint64
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[RequestID]PendingCall),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  log.New(os.Stderr, "correlate: ", log.LstdFlags),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Track records a PendingCall for id.
func (c *Correlator) Track(id RequestID, o origin.Origin, target Target) (PendingCall, error) {
	if id == "" {
		return PendingCall{}, fmt.Errorf("track: empty request id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return PendingCall{}, fmt.Errorf("track %q: %w", id, ErrDuplicateID)
	}
	pc := PendingCall{ID: id, Origin: o, IssuedAt: c.now(), ReplyTo: target}
	c.pending[id] = pc
	return pc, nil
}

// Resolve removes and returns the PendingCall for id. An unknown id, or one
// already resolved, returns false and is logged.
func (c *Correlator) Resolve(id RequestID) (PendingCall, bool) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		c.logger.Printf("dropping reply for unknown request id %q", id)
	}
	return pc, ok
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped returns how many resolves hit an unknown id.
func (c *Correlator) Dropped() uint64 {
	return c.dropped.Load()
}

// Snapshot returns the outstanding calls, oldest first.
func (c *Correlator) Snapshot() []PendingCall {
	c.mu.Lock()
	out := make([]PendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		out = append(out, pc)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Evict removes and returns calls issued more than the timeout before now.
func (c *Correlator) Evict(now time.Time) []PendingCall {
	if c.timeout <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []PendingCall
	for id, pc := range c.pending {
		if now.Sub(pc.IssuedAt) >= c.timeout {
			evicted = append(evicted, pc)
			delete(c.pending, id)
		}
	}
	return evicted
}

// Run evicts expired calls every interval until ctx is cancelled. onEvict is
// called for each evicted call outside the lock.
func (c *Correlator) Run(ctx context.Context, interval time.Duration, onEvict func(PendingCall)) {
	if c.timeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = c.timeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pc := range c.Evict(c.now()) {
				if onEvict != nil {
					onEvict(pc)
				}
			}
		}
	}
}
