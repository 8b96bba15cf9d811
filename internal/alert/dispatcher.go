package alert

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"
)

// Dispatcher fans events out to every webhook subscribed to their kind.
type Dispatcher struct {
	configs []Config
	logger  *log.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewDispatcher returns nil when configs is empty; a nil *Dispatcher drops
// every event.
func NewDispatcher(configs []Config, logger *log.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = log.New(os.Stderr, "alert: ", log.LstdFlags)
	}
	return &Dispatcher{configs: configs, logger: logger, now: time.Now}
}

// Notify sends ev on background goroutines. Delivery errors are logged.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = d.now().UTC().Format(time.RFC3339)
	}
	for _, cfg := range d.configs {
		if !slices.Contains(cfg.Events, ev.Kind) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			if err := Send(context.Background(), cfg, ev); err != nil {
				d.logger.Printf("%s -> %s: %v", ev.Kind, cfg.URL, err)
			}
		}(cfg)
	}
}

// Wait blocks until every in-flight delivery finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
