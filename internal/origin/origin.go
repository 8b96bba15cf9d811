package origin

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ReasonNotAllowed is the rejection reason sent back to a page whose origin
// fails the policy check.
const ReasonNotAllowed = "origin_not_allowed"

// ErrInvalidOrigin is returned by Parse for input that is not a bare
// scheme://host[:port] origin.
var ErrInvalidOrigin = errors.New("invalid origin")

// Origin is a normalized scheme://host[:port] identity. The zero value means
// "no origin" and is never allowed by any policy.
type Origin string

// IsZero reports whether o is the empty origin.
func (o Origin) IsZero() bool { return o == "" }

func (o Origin) String() string { return string(o) }

// Scheme returns the scheme part of o.
func (o Origin) Scheme() string {
	s, _, _ := strings.Cut(string(o), "://")
	return s
}

// Host returns the host (without port) of o.
func (o Origin) Host() string {
	_, rest, ok := strings.Cut(string(o), "://")
	if !ok {
		return ""
	}
	if h, _, err := net.SplitHostPort(rest); err == nil {
		return h
	}
	return strings.Trim(rest, "[]")
}

// Port returns the explicit port of o, or "" when the scheme default applies.
func (o Origin) Port() string {
	_, rest, ok := strings.Cut(string(o), "://")
	if !ok {
		return ""
	}
	if _, p, err := net.SplitHostPort(rest); err == nil {
		return p
	}
	return ""
}

var defaultPorts = map[string]string{
	"https": "443",
	"http":  "80",
	"wss":   "443",
	"ws":    "80",
}

// Parse normalizes raw into an Origin. Scheme and host are lower-cased and
// the scheme's default port is dropped. Anything beyond an origin (userinfo,
// a non-root path, query, fragment) is rejected, as is the opaque "null"
// origin browsers send for sandboxed frames.
func Parse(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q: scheme and host required", ErrInvalidOrigin, raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: %q: userinfo not permitted", ErrInvalidOrigin, raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", fmt.Errorf("%w: %q: path, query and fragment not permitted", ErrInvalidOrigin, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q: empty host", ErrInvalidOrigin, raw)
	}
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return Origin(scheme + "://" + host + ":" + port), nil
	}
	return Origin(scheme + "://" + host), nil
}

// MustParse is Parse for static values. It panics on invalid input.
func MustParse(raw string) Origin {
	o, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// FromHeader parses an Origin request header value. Invalid or missing values
// yield the zero Origin instead of an error: the policy rejects it later.
func FromHeader(value string) Origin {
	o, err := Parse(value)
	if err != nil {
		return ""
	}
	return o
}
