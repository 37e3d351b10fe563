package telemetry

import (
	"log"
	"sync"
)

// Default buffer bounds from spec.md §4.4's MAX_NETWORK_REQUESTS /
// equivalent console bound. Collectors accept overrides via their Config
// so tests and embedders are not locked to these values.
const (
	DefaultMaxNetworkRequests = 500
	DefaultMaxConsoleMessages = 500
)

// limitWarner fires a one-time warning the first time a bounded buffer
// drops an item, keyed by buffer identity (one limitWarner per buffer, not
// shared) so repeated overflows don't spam the log.
type limitWarner struct {
	once sync.Once
	name string
}

func (w *limitWarner) warn() {
	w.once.Do(func() {
		log.Printf("telemetry: %s buffer reached its limit; further items are dropped", w.name)
	})
}

// pushWithLimit appends item to *buf unless it is already at max, in
// which case it is dropped and warner.warn() fires exactly once for the
// lifetime of warner. Returns whether the item was kept.
func pushWithLimit[T any](buf *[]T, item T, max int, warner *limitWarner) bool {
	if len(*buf) >= max {
		warner.warn()
		return false
	}
	*buf = append(*buf, item)
	return true
}
