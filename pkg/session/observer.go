package session

import (
	"time"

	"github.com/dyluth/sapling/pkg/exchange"
)

// Exchange outcomes reported to an Observer.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Observer receives counters from a session. Implementations must be safe for
// concurrent use; every session of a process usually shares one.
type Observer interface {
	// ObserveOps is called for every batch sent or received.
	ObserveOps(dir exchange.Direction, stats exchange.Stats)
	// ObserveExchange is called once per finished exchange.
	ObserveExchange(dir exchange.Direction, result string, elapsed time.Duration)
	// ObservePullBack is called for every get_object round trip.
	ObservePullBack(result string)
	// ObserveCache reports the size of a cache after it changed.
	ObserveCache(dir exchange.Direction, entries int)
}

type nopObserver struct{}

func (nopObserver) ObserveOps(exchange.Direction, exchange.Stats) {}
func (nopObserver) ObserveExchange(exchange.Direction, string, time.Duration) {}
func (nopObserver) ObservePullBack(string) {}
func (nopObserver) ObserveCache(exchange.Direction, int) {}
