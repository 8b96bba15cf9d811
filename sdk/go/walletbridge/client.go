package walletbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const defaultRequestTimeout = 2 * time.Minute

// Client is one websocket session with the relay. Safe for concurrent use.
type Client struct {
	cfg  clientConfig
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	waiters   map[string]chan reply
	listeners map[string]map[uint64]func(json.RawMessage)
	nextID    uint64
	config    *ProviderConfig
	configCh  chan struct{}

	done    chan struct{}
	doneErr error
}

// Dial connects to the relay at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		origin:  "http://localhost",
		timeout: defaultRequestTimeout,
		logger:  log.New(os.Stderr, "walletbridge: ", log.LstdFlags),
	}
	for _, o := range opts {
		o(&cfg)
	}

	wsCfg, err := websocket.NewConfig(rawURL, cfg.origin)
	if err != nil {
		return nil, fmt.Errorf("walletbridge: %w", err)
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("walletbridge: dial %s: %w", rawURL, err)
	}

	c := &Client{
		cfg:       cfg,
		conn:      conn,
		waiters:   make(map[string]chan reply),
		listeners: make(map[string]map[uint64]func(json.RawMessage)),
		configCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Request sends method with params and waits for the reply. params is
// encoded as JSON; nil sends no params.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.write(outbound{Marker: true, ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.reason != "" {
			return nil, &Error{ID: id, Method: method, Reason: r.reason}
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err()
	}
}

// On registers fn for a relay event (e.g. "accountsChanged"). The returned
// func removes it.
func (c *Client) On(event string, fn func(data json.RawMessage)) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[uint64]func(json.RawMessage))
	}
	c.listeners[event][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners[event], id)
		c.mu.Unlock()
	}
}

// ProviderConfig waits for the snapshot the relay sends to allowed pages
// after connecting. Pages the relay refuses never receive one.
func (c *Client) ProviderConfig(ctx context.Context) (ProviderConfig, error) {
	select {
	case <-c.configCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return *c.config, nil
	case <-ctx.Done():
		return ProviderConfig{}, ctx.Err()
	case <-c.done:
		return ProviderConfig{}, c.err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) err() error {
	if c.doneErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.doneErr)
	}
	return ErrClosed
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.err()
	default:
	}
	if err := websocket.JSON.Send(c.conn, v); err != nil {
		return fmt.Errorf("walletbridge: send: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg inbound
		if err := websocket.JSON.Receive(c.conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				c.doneErr = err
			}
			return
		}
		switch {
		case msg.RespID != nil:
			c.mu.Lock()
			ch, ok := c.waiters[*msg.RespID]
			c.mu.Unlock()
			if !ok {
				c.cfg.logger.Printf("reply for unknown request %q", *msg.RespID)
				continue
			}
			result := msg.Result
			if msg.Error == "" && result == nil {
				result = json.RawMessage("null")
			}
			select {
			case ch <- reply{result: result, reason: msg.Error}:
			default:
			}
		case msg.Event != "":
			c.dispatch(msg.Event, msg.Data)
		}
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	if event == ConfigEvent {
		var pc ProviderConfig
		if err := json.Unmarshal(data, &pc); err == nil {
			first := c.config == nil
			c.config = &pc
			if first {
				close(c.configCh)
			}
		}
	}
	fns := make([]func(json.RawMessage), 0, len(c.listeners[event]))
	for _, fn := range c.listeners[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
