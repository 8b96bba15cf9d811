package event

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

// Source yields backend notifications. Next blocks until an event arrives,
// the source ends (io.EOF), or ctx is done.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Event, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (Event, error) { return f(ctx) }

// Fanout applies backend notifications to the provider state and republishes
// them to every registered listener.
type Fanout struct {
	publishMu sync.Mutex
	state     atomic.Pointer[State]
	reg       *Registry
}

// NewFanout creates a Fanout with an empty, disconnected state.
func NewFanout(logger *log.Logger) *Fanout {
	f := &Fanout{reg: NewRegistry(logger)}
	f.state.Store(&State{Accounts: []string{}})
	return f
}

// Registry exposes the listener registry.
func (f *Fanout) Registry() *Registry { return f.reg }

// State returns a copy of the latest provider state.
func (f *Fanout) State() State {
	return f.state.Load().clone()
}

// Publish replaces the state with the reduction of ev, then delivers ev to
// listeners. Publishes are serialized so listeners observe events in the
// order they were applied.
func (f *Fanout) Publish(ev Event) {
	if ev == nil {
		return
	}
	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	next := Reduce(*f.state.Load(), ev)
	f.state.Store(&next)
	f.reg.Emit(ev)
}

// On registers fn for kind.
func (f *Fanout) On(kind Kind, fn Listener) Handle { return f.reg.On(kind, fn) }

// Subscribe registers fn for every kind.
func (f *Fanout) Subscribe(fn Listener) Handle { return f.reg.OnAny(fn) }

// Off removes a registration.
func (f *Fanout) Off(h Handle) bool { return f.reg.Off(h) }

// Run publishes events from src until ctx is done or src ends. A clean end
// of stream returns nil.
func (f *Fanout) Run(ctx context.Context, src Source) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		f.Publish(ev)
	}
}
