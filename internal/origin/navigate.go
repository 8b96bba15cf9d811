package origin

import (
	"fmt"
	"net/url"
	"strings"
)

var blockedSchemes = map[string]bool{
	"file":             true,
	"chrome-extension": true,
	"tauri":            true,
	"javascript":       true,
	"data":             true,
}

// CheckNavigation reports whether rawURL may be opened as a DApp page.
// Only https URLs without embedded credentials pass.
func CheckNavigation(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("navigation: parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if blockedSchemes[scheme] {
		return fmt.Errorf("navigation: scheme %q is blocked", scheme)
	}
	if scheme != "https" {
		return fmt.Errorf("navigation: only https is allowed, got %q", scheme)
	}
	if u.User != nil {
		return fmt.Errorf("navigation: credentials in url are not allowed")
	}
	if u.Host == "" {
		return fmt.Errorf("navigation: missing host")
	}
	return nil
}

// OfURL returns the origin a page loaded from rawURL would run under.
func OfURL(rawURL string) (Origin, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	return Parse(u.Scheme + "://" + u.Host)
}
