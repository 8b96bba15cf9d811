package origin

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Policy decides whether content from an origin may talk to the bridge.
// Implementations must be deterministic and free of side effects.
type Policy interface {
	IsAllowed(o Origin) bool
}

// PolicyFunc adapts a predicate to Policy.
type PolicyFunc func(Origin) bool

// IsAllowed calls f. The zero Origin is rejected before f runs.
func (f PolicyFunc) IsAllowed(o Origin) bool {
	if o.IsZero() {
		return false
	}
	return f(o)
}

type wildcard struct {
	scheme string
	suffix string // ".example.com"
	port   string
}

// AllowList is an immutable set of origins. Patterns are either exact
// origins (https://app.example.com) or host wildcards (https://*.example.com)
// which match subdomains but not the apex.
type AllowList struct {
	exact     map[Origin]struct{}
	wildcards []wildcard
	patterns  []string
}

// NewAllowList builds an AllowList from patterns. Every pattern must parse.
func NewAllowList(patterns ...string) (*AllowList, error) {
	al := &AllowList{exact: make(map[Origin]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := al.add(p); err != nil {
			return nil, err
		}
	}
	sort.Strings(al.patterns)
	return al, nil
}

func (a *AllowList) add(p string) error {
	scheme, rest, ok := strings.Cut(p, "://")
	if ok && strings.HasPrefix(rest, "*.") {
		o, err := Parse(scheme + "://" + strings.TrimPrefix(rest, "*."))
		if err != nil {
			return fmt.Errorf("allowlist pattern %q: %w", p, err)
		}
		a.wildcards = append(a.wildcards, wildcard{
			scheme: o.Scheme(),
			suffix: "." + o.Host(),
			port:   o.Port(),
		})
		a.patterns = append(a.patterns, o.Scheme()+"://*."+strings.TrimPrefix(string(o), o.Scheme()+"://"))
		return nil
	}
	o, err := Parse(p)
	if err != nil {
		return fmt.Errorf("allowlist pattern %q: %w", p, err)
	}
	if _, dup := a.exact[o]; !dup {
		a.exact[o] = struct{}{}
		a.patterns = append(a.patterns, string(o))
	}
	return nil
}

// LoadAllowList reads an allowlist file. One pattern per line.
// Lines starting with # are comments. Empty lines are skipped.
func LoadAllowList(path string) (*AllowList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return NewAllowList(patterns...)
}

// IsAllowed reports whether o matches an exact entry or a wildcard.
func (a *AllowList) IsAllowed(o Origin) bool {
	if a == nil || o.IsZero() {
		return false
	}
	if _, ok := a.exact[o]; ok {
		return true
	}
	host := o.Host()
	for _, w := range a.wildcards {
		if w.scheme != o.Scheme() || w.port != o.Port() {
			continue
		}
		if strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return true
		}
	}
	return false
}

// Patterns returns the normalized patterns in sorted order.
func (a *AllowList) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.patterns))
	copy(out, a.patterns)
	return out
}

// Len returns the number of patterns.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.patterns)
}

// Dynamic is a Policy whose underlying policy can be replaced at runtime.
// A nil underlying policy denies everything.
type Dynamic struct {
	p atomic.Pointer[policyBox]
}

type policyBox struct{ Policy }

// NewDynamic returns a Dynamic seeded with p.
func NewDynamic(p Policy) *Dynamic {
	d := &Dynamic{}
	d.Store(p)
	return d
}

// Store swaps in p. Concurrent IsAllowed calls see either the old or new
// policy, never a mix.
func (d *Dynamic) Store(p Policy) {
	d.p.Store(&policyBox{p})
}

// Load returns the current policy.
func (d *Dynamic) Load() Policy {
	b := d.p.Load()
	if b == nil {
		return nil
	}
	return b.Policy
}

// IsAllowed delegates to the current policy.
func (d *Dynamic) IsAllowed(o Origin) bool {
	p := d.Load()
	if p == nil || o.IsZero() {
		return false
	}
	return p.IsAllowed(o)
}
