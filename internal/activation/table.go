// Package activation implements a per-identifier activation table where every
// active identifier owns exactly one pending expiry timer.
package activation

import (
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expiry is the notice a Table emits when one of its timers fires. The owner
// feeds it back through Table.Expire on the goroutine that owns the table.
type Expiry struct {
	Table      string
	ID         string
	Generation uint64
}

type entry struct {
	timer      clockwork.Timer
	generation uint64
}

// Table tracks active identifiers with self-expiring deadlines.
//
// A Table is not safe for concurrent use. All methods must be called from a
// single goroutine; only the timer callbacks run elsewhere, and those do
// nothing but call notify.
type Table struct {
	name    string
	clock   clockwork.Clock
	notify  func(Expiry)
	entries map[string]*entry
	nextGen uint64
}

// New returns an empty table. notify is called from the timer goroutine
// whenever a deadline passes; it must not block for long and must not touch
// the table directly.
func New(name string, clock clockwork.Clock, notify func(Expiry)) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notify == nil {
		notify = func(Expiry) {}
	}
	return &Table{
		name:    name,
		clock:   clock,
		notify:  notify,
		entries: make(map[string]*entry),
	}
}

// Name returns the table name given to New.
func (t *Table) Name() string {
	return t.name
}

// Activate marks id active and (re)starts its deadline at d from now. Any
// pending timer for id is cancelled first, so repeated activations extend the
// window instead of stacking. It reports whether id was previously inactive.
func (t *Table) Activate(id string, d time.Duration) bool {
	t.nextGen++
	gen := t.nextGen

	e, existed := t.entries[id]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[id] = e
	}
	e.generation = gen

	expiry := Expiry{Table: t.name, ID: id, Generation: gen}
	e.timer = t.clock.AfterFunc(d, func() { t.notify(expiry) })
	return !existed
}

// Deactivate removes id and cancels its timer. It reports whether id was
// active; calling it for an unknown id is a no-op.
func (t *Table) Deactivate(id string) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, id)
	return true
}

// Expire applies a timer notice. The entry is removed only if the notice
// belongs to its current activation; notices from timers that were replaced
// or cancelled after firing are ignored. It reports whether id was removed.
func (t *Table) Expire(exp Expiry) bool {
	e, ok := t.entries[exp.ID]
	if !ok || e.generation != exp.Generation {
		return false
	}
	delete(t.entries, exp.ID)
	return true
}

// Active reports whether id is currently active.
func (t *Table) Active(id string) bool {
	_, ok := t.entries[id]
	return ok
}

// IDs returns the active identifiers in sorted order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of active identifiers.
func (t *Table) Len() int {
	return len(t.entries)
}

// Reset cancels every pending timer and empties the table.
func (t *Table) Reset() {
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}
