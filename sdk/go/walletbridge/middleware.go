package walletbridge

import (
	"encoding/json"
	"net/http"

	"github.com/ppiankov/walletbridge/internal/origin"
)

// OriginGuard returns middleware that refuses cross-origin requests from
// origins outside patterns with 403 and the relay's origin_not_allowed
// reason. Requests without an Origin header (same-origin navigation,
// non-browser clients) pass through. Patterns use the allowlist syntax,
// e.g. "https://app.example" or "https://*.app.example".
func OriginGuard(patterns ...string) (func(http.Handler) http.Handler, error) {
	allow, err := origin.NewAllowList(patterns...)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Origin")
			if header == "" || allow.IsAllowed(origin.FromHeader(header)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  ReasonOriginNotAllowed,
				"origin": header,
			})
		})
	}, nil
}
