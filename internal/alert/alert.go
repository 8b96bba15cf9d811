// Package alert posts webhook notifications for bridge decisions an operator
// should see: blocked origins, backend faults, abandoned requests and a
// modified binary.
package alert

// Event kinds that can be subscribed to in Config.Events.
const (
	KindOriginNotAllowed = "origin_not_allowed"
	KindBackendFault     = "backend_fault"
	KindRequestTimeout   = "request_timeout"
	KindBinaryTamper     = "binary_tamper"
)

// Config is one webhook destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // generic, slack, pagerduty
	Events  []string          `yaml:"events"  json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload delivered to webhooks.
type Event struct {
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	RequestID  string `json:"request_id"`
	Origin     string `json:"origin"`
	Method     string `json:"method,omitempty"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	PolicyHash string `json:"policy_hash,omitempty"`
}

// Notifier accepts alert events without blocking. *Dispatcher implements it.
type Notifier interface {
	Notify(Event)
}
