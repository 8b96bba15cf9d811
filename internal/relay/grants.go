package relay

import (
	"encoding/json"
	"slices"

	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
)

// Account access is tracked per origin from the backend's own answers:
// eth_requestAccounts and eth_accounts results grant or withdraw it,
// wallet_revokePermissions and a backend disconnect withdraw it. Only
// granted origins see account data.

// observe updates o's grant after a successful call.
func (r *Relay) observe(o origin.Origin, method string, result json.RawMessage) {
	switch method {
	case "eth_requestAccounts", "eth_accounts":
		var accounts []string
		if err := json.Unmarshal(result, &accounts); err != nil {
			return
		}
		if len(accounts) == 0 {
			r.revoke(o)
			return
		}
		r.grant(o, accounts)
	case "wallet_revokePermissions":
		r.revoke(o)
	}
}

func (r *Relay) grant(o origin.Origin, accounts []string) {
	r.mu.Lock()
	if prev, ok := r.granted[o]; ok && slices.Equal(prev, accounts) {
		r.mu.Unlock()
		return
	}
	r.granted[o] = slices.Clone(accounts)
	sinks := r.sinksLocked(func(so origin.Origin) bool { return so == o })
	r.mu.Unlock()
	r.push(sinks, event.AccountsChanged{Accounts: accounts})
}

func (r *Relay) revoke(o origin.Origin) {
	r.mu.Lock()
	if _, ok := r.granted[o]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.granted, o)
	sinks := r.sinksLocked(func(so origin.Origin) bool { return so == o })
	r.mu.Unlock()
	r.push(sinks, event.AccountsChanged{Accounts: []string{}})
}

// Granted reports whether o currently holds account access.
func (r *Relay) Granted(o origin.Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.granted[o]
	return ok
}

// StateFor narrows st to what o may see: accounts only when o holds a
// grant.
func (r *Relay) StateFor(o origin.Origin, st event.State) event.State {
	r.mu.Lock()
	accounts, ok := r.granted[o]
	r.mu.Unlock()
	if !ok {
		st.Accounts = []string{}
		st.SelectedAddress = ""
		return st
	}
	st.Accounts = slices.Clone(accounts)
	st.SelectedAddress = ""
	if len(accounts) > 0 {
		st.SelectedAddress = accounts[0]
	}
	return st
}

// sinksLocked returns attached event sinks whose origin matches keep.
// r.mu must be held.
func (r *Relay) sinksLocked(keep func(origin.Origin) bool) []Sender {
	var out []Sender
	for s, sess := range r.sessions {
		if !sess.attached || sess.closed {
			continue
		}
		if _, ok := s.(EventSink); !ok || !keep(s.Origin()) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *Relay) push(sinks []Sender, ev event.Event) {
	frame := EventFrame{Event: string(ev.Kind()), Data: event.Payload(ev)}
	for _, s := range sinks {
		if !r.policy.IsAllowed(s.Origin()) {
			continue
		}
		if err := s.(EventSink).SendEvent(frame); err != nil {
			r.logger.Printf("event %s to %s: %v", frame.Event, s.Origin(), err)
		}
	}
}
