// Package relay routes structured requests posted by pages in another script
// context to the wallet backend and sends each reply back to the exact
// sender that issued it.
//
// Every inbound message goes through the same steps: decode, origin check,
// dispatch, reply. Messages without the request marker are ignored without
// a response. Origins rejected by policy get an origin_not_allowed reply and
// never reach the gateway.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/ppiankov/walletbridge/internal/alert"
	"github.com/ppiankov/walletbridge/internal/audit"
	"github.com/ppiankov/walletbridge/internal/correlate"
	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/gateway"
	"github.com/ppiankov/walletbridge/internal/origin"
)

// Sender is the reply target of a request. Origin must come from the
// transport, never from message content. Implementations are used as map
// keys and must be comparable (pointer types are).
type Sender interface {
	Origin() origin.Origin
	Send(Reply) error
}

// EventSink is implemented by senders that accept pushed provider events.
type EventSink interface {
	SendEvent(EventFrame) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout bounds each gateway call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithAudit records every decision to rec.
func WithAudit(rec audit.Recorder) Option {
	return func(r *Relay) { r.audit = rec }
}

// WithAlerts raises webhook alerts for rejections, faults and timeouts.
func WithAlerts(n alert.Notifier) Option {
	return func(r *Relay) { r.alerts = n }
}

// WithLogger sets the operational logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// Relay is safe for concurrent use by any number of senders.
type Relay struct {
	policy  origin.Policy
	gw      gateway.Gateway
	calls   *correlate.Correlator
	timeout time.Duration
	audit   audit.Recorder
	alerts  alert.Notifier
	logger  *log.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[Sender]*session
	// granted holds the accounts each connected origin was last given.
	granted map[origin.Origin][]string
}

type session struct {
	sender Sender
	// attached senders receive broadcasts; closed ones get no more replies.
	attached bool
	closed   bool
	ids      map[string]struct{}
}

// target is what the correlator stores for each accepted request.
type target struct {
	sess    *session
	replyID string
	method  string
}

// New creates a Relay checking origins against policy and forwarding to gw.
// calls tracks outstanding requests; its timeout drives eviction in Run.
func New(policy origin.Policy, gw gateway.Gateway, calls *correlate.Correlator, opts ...Option) *Relay {
	r := &Relay{
		policy:   policy,
		gw:       gw,
		calls:    calls,
		timeout:  correlate.DefaultTimeout,
		audit:    audit.Nop{},
		logger:   log.New(os.Stderr, "relay: ", log.LstdFlags),
		sessions: make(map[Sender]*session),
		granted:  make(map[origin.Origin][]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Allowed reports whether the relay's policy accepts o.
func (r *Relay) Allowed(o origin.Origin) bool {
	return r.policy.IsAllowed(o)
}

// Attach registers s for broadcasts. The returned func detaches it; replies
// still pending for s are discarded after that.
func (r *Relay) Attach(s Sender) (detach func()) {
	r.mu.Lock()
	sess := r.sessionLocked(s)
	sess.attached = true
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			sess.closed = true
			if r.sessions[s] == sess {
				delete(r.sessions, s)
			}
			r.mu.Unlock()
		})
	}
}

func (r *Relay) sessionLocked(s Sender) *session {
	sess, ok := r.sessions[s]
	if !ok {
		sess = &session{sender: s, ids: make(map[string]struct{})}
		r.sessions[s] = sess
	}
	return sess
}

// Handle processes one raw message from s. It returns once the request is
// rejected, dropped, or dispatched; the gateway call runs on its own
// goroutine and the reply is sent from there.
func (r *Relay) Handle(ctx context.Context, s Sender, raw []byte) {
	req, err := Decode(raw)
	switch {
	case errors.Is(err, ErrNoMarker):
		return
	case err != nil:
		r.logger.Printf("dropping message from %s: %v", s.Origin(), err)
		r.record(audit.Entry{Origin: string(s.Origin()), Decision: audit.DecisionDropped, Reason: err.Error()})
		return
	}

	replyID := req.ID
	if replyID == "" {
		replyID = string(correlate.NewID())
	}
	o := s.Origin()

	if !r.policy.IsAllowed(o) {
		r.send(s, Reply{RespID: replyID, Error: ReasonOriginNotAllowed})
		r.record(audit.Entry{RequestID: replyID, Origin: string(o), Method: req.Method, Decision: audit.DecisionRejected, Reason: ReasonOriginNotAllowed})
		r.notify(alert.Event{Kind: alert.KindOriginNotAllowed, RequestID: replyID, Origin: string(o), Method: req.Method})
		return
	}

	r.mu.Lock()
	sess := r.sessionLocked(s)
	if _, dup := sess.ids[replyID]; dup {
		r.mu.Unlock()
		r.send(s, Reply{RespID: replyID, Error: ReasonDuplicateID})
		r.record(audit.Entry{RequestID: replyID, Origin: string(o), Method: req.Method, Decision: audit.DecisionDropped, Reason: ReasonDuplicateID})
		return
	}
	sess.ids[replyID] = struct{}{}
	r.mu.Unlock()

	id := correlate.NewID()
	t := &target{sess: sess, replyID: replyID, method: req.Method}
	if _, err := r.calls.Track(id, o, t); err != nil {
		r.release(sess, replyID)
		r.logger.Printf("track %s: %v", replyID, err)
		r.send(s, Reply{RespID: replyID, Error: gateway.NewFault(gateway.CodeInternal, "request could not be tracked").Error()})
		return
	}
	r.record(audit.Entry{RequestID: replyID, CorrelationID: string(id), Origin: string(o), Method: req.Method, Decision: audit.DecisionDispatched})

	r.wg.Add(1)
	go r.dispatch(context.WithoutCancel(ctx), id, t, req, o)
}

// dispatch calls the gateway under the correlator key id. Audit entries
// carry both the page's reply id and id, which is what the backend sees.
func (r *Relay) dispatch(ctx context.Context, id correlate.RequestID, t *target, req Request, o origin.Origin) {
	defer r.wg.Done()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	result, err := r.execute(ctx, req.Method, params, gateway.CallContext{Origin: o, RequestID: id})

	if _, ok := r.calls.Resolve(id); !ok {
		// Evicted while the gateway was still working; the sender already
		// got request_timeout.
		r.record(audit.Entry{RequestID: t.replyID, CorrelationID: string(id), Origin: string(o), Method: req.Method, Decision: audit.DecisionDropped, Reason: "reply after eviction"})
		return
	}
	r.release(t.sess, t.replyID)

	switch {
	case err == nil:
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		// Account access is updated before the reply is sent.
		r.observe(o, req.Method, result)
		r.deliver(t, Reply{RespID: t.replyID, Result: result})
		r.record(audit.Entry{RequestID: t.replyID, CorrelationID: string(id), Origin: string(o), Method: req.Method, Decision: audit.DecisionFulfilled})
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		r.deliver(t, Reply{RespID: t.replyID, Error: ReasonTimeout})
		r.record(audit.Entry{RequestID: t.replyID, CorrelationID: string(id), Origin: string(o), Method: req.Method, Decision: audit.DecisionEvicted, Reason: ReasonTimeout})
		r.notify(alert.Event{Kind: alert.KindRequestTimeout, RequestID: t.replyID, Origin: string(o), Method: req.Method})
	default:
		f := gateway.AsFault(err)
		r.deliver(t, Reply{RespID: t.replyID, Error: f.Error()})
		r.record(audit.Entry{RequestID: t.replyID, CorrelationID: string(id), Origin: string(o), Method: req.Method, Decision: audit.DecisionFaulted, Reason: f.Message, FaultCode: f.Code})
		r.notify(alert.Event{Kind: alert.KindBackendFault, RequestID: t.replyID, Origin: string(o), Method: req.Method, Code: f.Code, Message: f.Message})
	}
}

func (r *Relay) execute(ctx context.Context, method string, params json.RawMessage, cc gateway.CallContext) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("gateway panicked on %s: %v", method, rec)
			result, err = nil, gateway.NewFault(gateway.CodeInternal, "internal error")
		}
	}()
	return r.gw.Execute(ctx, method, params, cc)
}

func (r *Relay) release(sess *session, replyID string) {
	r.mu.Lock()
	delete(sess.ids, replyID)
	if len(sess.ids) == 0 && !sess.attached && r.sessions[sess.sender] == sess {
		delete(r.sessions, sess.sender)
	}
	r.mu.Unlock()
}

func (r *Relay) deliver(t *target, reply Reply) {
	r.mu.Lock()
	closed := t.sess.closed
	r.mu.Unlock()
	if closed {
		r.logger.Printf("sender for %s went away, discarding reply", t.replyID)
		return
	}
	r.send(t.sess.sender, reply)
}

func (r *Relay) send(s Sender, reply Reply) {
	if err := s.Send(reply); err != nil {
		r.logger.Printf("reply %s to %s: %v", reply.RespID, s.Origin(), err)
	}
}

func (r *Relay) record(e audit.Entry) {
	if err := r.audit.Record(e); err != nil {
		r.logger.Printf("audit: %v", err)
	}
}

func (r *Relay) notify(ev alert.Event) {
	if r.alerts != nil {
		r.alerts.Notify(ev)
	}
}

// Run evicts abandoned calls until ctx is done. Evicted calls whose sender
// is still connected receive request_timeout.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.calls.Run(ctx, interval, r.evicted)
}

func (r *Relay) evicted(pc correlate.PendingCall) {
	t, ok := pc.ReplyTo.(*target)
	if !ok {
		return
	}
	r.release(t.sess, t.replyID)
	r.deliver(t, Reply{RespID: t.replyID, Error: ReasonTimeout})
	r.record(audit.Entry{RequestID: t.replyID, CorrelationID: string(pc.ID), Origin: string(pc.Origin), Method: t.method, Decision: audit.DecisionEvicted, Reason: ReasonTimeout})
	r.notify(alert.Event{Kind: alert.KindRequestTimeout, RequestID: t.replyID, Origin: string(pc.Origin), Method: t.method})
}

// Broadcast pushes ev to every attached sender that accepts events and
// whose origin the policy allows. accountsChanged only reaches origins
// holding account access; a disconnect withdraws every grant.
func (r *Relay) Broadcast(ev event.Event) {
	r.mu.Lock()
	var sinks []Sender
	switch ev := ev.(type) {
	case event.AccountsChanged:
		changed := make(map[origin.Origin]bool)
		for o, prev := range r.granted {
			switch {
			case len(ev.Accounts) == 0:
				delete(r.granted, o)
			case !slices.Equal(prev, ev.Accounts):
				r.granted[o] = slices.Clone(ev.Accounts)
			default:
				continue
			}
			changed[o] = true
		}
		sinks = r.sinksLocked(func(o origin.Origin) bool { return changed[o] })
	case event.Disconnect:
		clear(r.granted)
		sinks = r.sinksLocked(func(origin.Origin) bool { return true })
	default:
		sinks = r.sinksLocked(func(origin.Origin) bool { return true })
	}
	r.mu.Unlock()
	r.push(sinks, ev)
}

// Follow subscribes the relay to fan so every provider event is broadcast.
func (r *Relay) Follow(fan *event.Fanout) event.Handle {
	return fan.Subscribe(r.Broadcast)
}

// PendingInfo describes one outstanding request.
type PendingInfo struct {
	ID     string        `json:"id"`
	Origin string        `json:"origin"`
	Method string        `json:"method"`
	Age    time.Duration `json:"age"`
}

// Pending lists outstanding requests, oldest first.
func (r *Relay) Pending(now time.Time) []PendingInfo {
	snap := r.calls.Snapshot()
	out := make([]PendingInfo, 0, len(snap))
	for _, pc := range snap {
		info := PendingInfo{ID: string(pc.ID), Origin: string(pc.Origin), Age: now.Sub(pc.IssuedAt)}
		if t, ok := pc.ReplyTo.(*target); ok {
			info.ID = t.replyID
			info.Method = t.method
		}
		out = append(out, info)
	}
	return out
}

// Wait blocks until every dispatched call has replied or given up.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Call runs one request for an in-process caller at origin o and waits for
// its reply. It goes through the same policy check and bookkeeping as a
// message from a page.
func (r *Relay) Call(ctx context.Context, o origin.Origin, method string, params json.RawMessage) (Reply, error) {
	raw, err := json.Marshal(struct {
		Marker bool            `json:"_walletReq"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{true, method, params})
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}
	s := &callSender{origin: o, ch: make(chan Reply, 1)}
	r.Handle(ctx, s, raw)
	select {
	case reply := <-s.ch:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

type callSender struct {
	origin origin.Origin
	ch     chan Reply
}

func (c *callSender) Origin() origin.Origin { return c.origin }

func (c *callSender) Send(reply Reply) error {
	select {
	case c.ch <- reply:
		return nil
	default:
		return errors.New("caller already answered")
	}
}
