// Package ws carries relay traffic over websocket connections. Each
// connection is one relay sender whose origin is taken from the handshake.
package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/ratelimit"
	"github.com/ppiankov/walletbridge/internal/relay"
)

// DefaultRateLimit is the per-connection frame budget.
var DefaultRateLimit = ratelimit.Limit{MaxRequests: 50, Window: time.Second}

const (
	maxFramePayloadBytes   = 64 * 1024
	maxDecodeErrorsPerConn = 5

	// ConfigEvent is the first frame an allowed page receives.
	ConfigEvent = "providerConfig"
)

var errPeerClosed = errors.New("ws: peer closed")

// Option configures the handler.
type Option func(*handler)

// WithLogger sets the logger for connection-level events.
func WithLogger(l *log.Logger) Option {
	return func(h *handler) { h.logger = l }
}

// WithRateLimit overrides the per-connection frame budget. A zero limit
// keeps the default.
func WithRateLimit(l ratelimit.Limit) Option {
	return func(h *handler) {
		if l.Enabled() {
			h.limit = l
		}
	}
}

type handler struct {
	relay  *relay.Relay
	fan    *event.Fanout
	logger *log.Logger
	limit  ratelimit.Limit
	ws     websocket.Server
}

// Handler serves the bridge websocket. fan may be nil, in which case no
// provider snapshot is pushed on connect.
func Handler(r *relay.Relay, fan *event.Fanout, opts ...Option) http.Handler {
	h := &handler{
		relay:  r,
		fan:    fan,
		logger: log.New(os.Stderr, "ws: ", log.LstdFlags),
		limit:  DefaultRateLimit,
	}
	for _, o := range opts {
		o(h)
	}
	h.ws = websocket.Server{
		// Accept every handshake. The origin is judged per message by the
		// relay so a page without one still gets origin_not_allowed.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serveConn,
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.ws.ServeHTTP(w, r)
}

type peer struct {
	origin  origin.Origin
	mu      sync.Mutex
	encoder *json.Encoder
	closed  bool
}

func (p *peer) Origin() origin.Origin { return p.origin }

func (p *peer) Send(r relay.Reply) error { return p.write(r) }

func (p *peer) SendEvent(f relay.EventFrame) error { return p.write(f) }

func (p *peer) write(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	return p.encoder.Encode(v)
}

func (p *peer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (h *handler) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	req := conn.Request()
	p := &peer{origin: origin.FromHeader(req.Header.Get("Origin")), encoder: json.NewEncoder(conn)}
	detach := h.relay.Attach(p)
	defer detach()
	defer p.close()

	if h.fan != nil && h.relay.Allowed(p.origin) {
		st := h.relay.StateFor(p.origin, h.fan.State())
		_ = p.SendEvent(relay.EventFrame{Event: ConfigEvent, Data: st})
	}

	ctx := req.Context()
	window := ratelimit.NewWindow(h.limit)
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Printf("read from %s: %v", p.origin, err)
			}
			return
		}

		if !window.Allow(time.Now()) {
			h.logger.Printf("closing %s: more than %d frames per %s", p.origin, h.limit.MaxRequests, h.limit.Window)
			return
		}

		if !json.Valid(raw) {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				h.logger.Printf("closing %s: %d consecutive undecodable frames", p.origin, decodeErrors)
				return
			}
			continue
		}
		decodeErrors = 0

		h.relay.Handle(ctx, p, raw)
	}
}
