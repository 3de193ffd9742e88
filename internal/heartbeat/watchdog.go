// Package heartbeat detects modifiers that stayed active without any fresh
// signal from the remapper. The remapper reliably sends modifier "down" but
// can lose the paired "up"; a periodic sweep over the last-activity records
// lets the owner force-release such modifiers well before their raw safety
// timeout.
package heartbeat

import (
	"slices"
	"time"
)

// Watchdog records the last activity per identifier. Like activation.Table
// it has no lock and belongs to a single goroutine; the owner drives the
// sweep by calling Stale on its own ticker.
type Watchdog struct {
	staleAfter time.Duration
	lastSeen   map[string]time.Time
}

// New returns a watchdog that considers an identifier stale once more than
// staleAfter has passed since its last Touch.
func New(staleAfter time.Duration) *Watchdog {
	return &Watchdog{
		staleAfter: staleAfter,
		lastSeen:   make(map[string]time.Time),
	}
}

// Touch records activity for id.
func (w *Watchdog) Touch(id string, at time.Time) {
	w.lastSeen[id] = at
}

// Forget drops the record for id, typically on release.
func (w *Watchdog) Forget(id string) {
	delete(w.lastSeen, id)
}

// Stale returns, in sorted order, the identifiers from active whose last
// activity is older than the staleness threshold at now. It never reports an
// identifier that is not in active. An active identifier with no record is
// recorded at now rather than reported.
func (w *Watchdog) Stale(now time.Time, active []string) []string {
	var stale []string
	for _, id := range active {
		last, ok := w.lastSeen[id]
		if !ok {
			w.lastSeen[id] = now
			continue
		}
		if now.Sub(last) > w.staleAfter {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return stale
}

// StaleAfter returns the current threshold.
func (w *Watchdog) StaleAfter() time.Duration {
	return w.staleAfter
}

// SetStaleAfter changes the threshold for subsequent sweeps.
func (w *Watchdog) SetStaleAfter(d time.Duration) {
	w.staleAfter = d
}

// Len returns the number of identifiers with an activity record.
func (w *Watchdog) Len() int {
	return len(w.lastSeen)
}

// Reset drops every record.
func (w *Watchdog) Reset() {
	clear(w.lastSeen)
}
