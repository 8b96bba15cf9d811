package event

import (
	"log"
	"os"
	"runtime/debug"
	"sync"
)

// Listener receives events. A listener that panics is logged and skipped;
// the remaining listeners still run.
type Listener func(Event)

const anyKind Kind = "*"

// Handle identifies one registration. Registering the same function twice
// yields two handles and two deliveries.
type Handle struct {
	kind Kind
	id   uint64
}

// Kind returns the event kind the handle listens to ("*" for all).
func (h Handle) Kind() Kind { return h.kind }

type entry struct {
	id uint64
	fn Listener
}

// Registry maps event kinds to ordered listeners.
type Registry struct {
	mu        sync.Mutex
	next      uint64
	listeners map[Kind][]entry
	logger    *log.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "event: ", log.LstdFlags)
	}
	return &Registry{
		listeners: make(map[Kind][]entry),
		logger:    logger,
	}
}

// On appends fn to the listeners for kind.
func (r *Registry) On(kind Kind, fn Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.listeners[kind] = append(r.listeners[kind], entry{id: r.next, fn: fn})
	return Handle{kind: kind, id: r.next}
}

// OnAny registers fn for every kind. Catch-all listeners run after the
// kind-specific ones.
func (r *Registry) OnAny(fn Listener) Handle {
	return r.On(anyKind, fn)
}

// Off removes the registration behind h. Reports whether it was present.
func (r *Registry) Off(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[h.kind]
	for i, e := range list {
		if e.id != h.id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, h.kind)
		} else {
			r.listeners[h.kind] = next
		}
		return true
	}
	return false
}

// Count returns how many listeners are registered for kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[kind])
}

// Emit calls every listener for ev.Kind() in registration order, then every
// catch-all listener. Listeners registered during Emit are not called.
func (r *Registry) Emit(ev Event) {
	r.mu.Lock()
	specific := r.listeners[ev.Kind()]
	all := r.listeners[anyKind]
	r.mu.Unlock()

	for _, e := range specific {
		r.call(e, ev)
	}
	for _, e := range all {
		r.call(e, ev)
	}
}

func (r *Registry) call(e entry, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("listener %d for %s panicked: %v\n%s", e.id, ev.Kind(), rec, debug.Stack())
		}
	}()
	e.fn(ev)
}
