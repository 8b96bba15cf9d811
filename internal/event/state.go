package event

// State is the provider state mirrored to pages. Values are replaced as a
// whole on every event; a State returned to a caller is never mutated.
type State struct {
	ChainID         string   `json:"chainId,omitempty"`
	Accounts        []string `json:"accounts"`
	SelectedAddress string   `json:"selectedAddress,omitempty"`
	Connected       bool     `json:"connected"`
}

func (s State) clone() State {
	out := s
	out.Accounts = make([]string, len(s.Accounts))
	copy(out.Accounts, s.Accounts)
	return out
}

// Reduce returns the state after applying ev to s.
func Reduce(s State, ev Event) State {
	next := s.clone()
	switch e := ev.(type) {
	case ChainChanged:
		next.ChainID = e.ChainID
	case AccountsChanged:
		next.Accounts = make([]string, len(e.Accounts))
		copy(next.Accounts, e.Accounts)
		next.SelectedAddress = ""
		if len(e.Accounts) > 0 {
			next.SelectedAddress = e.Accounts[0]
		}
	case Connect:
		next.Connected = true
		if e.ChainID != "" {
			next.ChainID = e.ChainID
		}
	case Disconnect:
		next = State{Accounts: []string{}}
	}
	return next
}
