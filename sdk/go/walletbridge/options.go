package walletbridge

import (
	"log"
	"time"
)

// Option configures a Client at dial time.
type Option func(*clientConfig)

type clientConfig struct {
	origin  string
	timeout time.Duration
	logger  *log.Logger
}

// WithOrigin sets the Origin header sent in the handshake. The relay
// judges every request by it.
func WithOrigin(origin string) Option {
	return func(c *clientConfig) { c.origin = origin }
}

// WithRequestTimeout bounds each Request that has no deadline of its own.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithLogger sets the logger for connection-level problems.
func WithLogger(l *log.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}
