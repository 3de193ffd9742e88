// Package tracker turns the remapper's status lines into tracked keyboard
// state: momentary keys, navigation keys, held modifiers, the current layer
// and whether the remapper is alive at all.
//
// A Tracker is an actor. One goroutine owns every activation table, the
// heartbeat watchdog and the layer, and applies lines, timer expiries and
// watchdog sweeps strictly one at a time. Other goroutines only post work to
// it. Queries are answered from an immutable snapshot that the actor
// publishes after each change, so they never wait on the actor and are safe
// to call from inside a Sink callback.
package tracker

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/keyviz/keyviz/internal/activation"
	"github.com/keyviz/keyviz/internal/heartbeat"
	"github.com/keyviz/keyviz/internal/protocol"
)

// BaseLayer is the layer the tracker starts in and returns to when a layer
// is exited.
const BaseLayer = "base"

const (
	tableKeys      = "keys"
	tableNavKeys   = "navkeys"
	tableModifiers = "modifiers"

	debugKeyPrefix   = "debug-"
	defaultQueueSize = 1024
)

var (
	ErrAlreadyStarted = errors.New("tracker already started")
	ErrStopped        = errors.New("tracker stopped")
)

var defaultLogger = zerolog.New(os.Stdout).With().Str("subsystem", "tracker").Logger()

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseStopped
)

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Logger    *zerolog.Logger
	Clock     clockwork.Clock
	Timings   Timings
	Sink      Sink
	QueueSize int
}

// Snapshot is a consistent view of the tracked state.
type Snapshot struct {
	Keys          []string  `json:"keys"`
	NavKeys       []string  `json:"nav_keys"`
	Modifiers     []string  `json:"modifiers"`
	Layer         string    `json:"layer"`
	UpstreamLive  bool      `json:"upstream_live"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type published struct {
	snap   Snapshot
	window time.Duration
}

type Tracker struct {
	log     *zerolog.Logger
	dropLog zerolog.Logger
	clock   clockwork.Clock

	inbox   chan func()
	expired chan activation.Expiry
	done    chan struct{}
	current atomic.Pointer[published]
	hasSink atomic.Bool

	mu       sync.Mutex
	phase    phase
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the actor goroutine (or the caller, before Start).
	sink        Sink
	timings     Timings
	keys        *activation.Table
	navKeys     *activation.Table
	modifiers   *activation.Table
	watchdog    *heartbeat.Watchdog
	ticker      clockwork.Ticker
	layer       string
	lastMessage time.Time
	live        bool
}

// New constructs an idle Tracker with empty state and the base layer.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		l := defaultLogger
		logger = &l
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timings := opts.Timings
	if timings == (Timings{}) {
		timings = DefaultTimings()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	t := &Tracker{
		log:      logger,
		dropLog:  logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
		clock:    clock,
		inbox:    make(chan func(), queueSize),
		expired:  make(chan activation.Expiry, queueSize),
		done:     make(chan struct{}),
		sink:     NopSink{},
		timings:  timings,
		watchdog: heartbeat.New(timings.StaleAfter),
		layer:    BaseLayer,
	}
	t.keys = activation.New(tableKeys, clock, t.postExpiry)
	t.navKeys = activation.New(tableNavKeys, clock, t.postExpiry)
	t.modifiers = activation.New(tableModifiers, clock, t.postExpiry)
	if opts.Sink != nil {
		t.sink = opts.Sink
		t.hasSink.Store(true)
	}
	t.publish()
	return t
}

// Start launches the actor goroutine and the watchdog ticker. The tracker
// stops when ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case phaseRunning:
		return ErrAlreadyStarted
	case phaseStopped:
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.ticker = t.clock.NewTicker(t.timings.WatchdogInterval)
	t.phase = phaseRunning

	t.wg.Add(1)
	go t.run(ctx)

	t.log.Info().
		Dur("key_timeout", t.timings.Key).
		Dur("modifier_timeout", t.timings.Modifier).
		Dur("stale_after", t.timings.StaleAfter).
		Msg("tracker started")
	return nil
}

// Stop shuts the actor down, cancels every pending timer and the watchdog
// ticker, and waits for the actor to exit. No Sink callback runs once Stop
// has returned. Stop is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	prev := t.phase
	t.phase = phaseStopped
	cancel := t.cancel
	t.mu.Unlock()

	t.signalStop()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	if prev == phaseIdle {
		t.cleanup()
	}
}

func (t *Tracker) signalStop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Tracker) stopping() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.phase = phaseStopped
		t.mu.Unlock()
		t.signalStop()
		t.cleanup()
		t.log.Info().Msg("tracker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case fn := <-t.inbox:
			if t.stopping() {
				return
			}
			fn()
		case exp := <-t.expired:
			if t.stopping() {
				return
			}
			t.handleExpiry(exp)
		case <-t.ticker.Chan():
			if t.stopping() {
				return
			}
			t.sweep()
		}
	}
}

func (t *Tracker) cleanup() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.keys.Reset()
	t.navKeys.Reset()
	t.modifiers.Reset()
	t.watchdog.Reset()
	t.publish()
}

// call runs fn on the actor and waits for it. Before Start it runs fn
// directly on the caller's goroutine.
func (t *Tracker) call(fn func()) error {
	t.mu.Lock()
	switch t.phase {
	case phaseIdle:
		defer t.mu.Unlock()
		fn()
		return nil
	case phaseStopped:
		t.mu.Unlock()
		return ErrStopped
	}
	t.mu.Unlock()

	applied := make(chan struct{})
	select {
	case t.inbox <- func() { fn(); close(applied) }:
	case <-t.done:
		return ErrStopped
	}
	select {
	case <-applied:
		return nil
	case <-t.done:
		return ErrStopped
	}
}

// Submit hands a raw line to the actor without waiting. It never blocks: if
// the queue is full the line is dropped and counted.
func (t *Tracker) Submit(line string) {
	if t.stopping() {
		return
	}
	select {
	case t.inbox <- func() { t.handleLine(line) }:
	default:
		droppedLinesTotal.Inc()
		t.dropLog.Warn().Int("queue_size", cap(t.inbox)).Msg("tracker queue full, dropping line")
	}
}

// ProcessMessage applies a raw line and returns once it has taken effect.
// Unrecognized or empty lines are dropped silently. It must not be called
// from a Sink callback.
func (t *Tracker) ProcessMessage(line string) {
	if err := t.call(func() { t.handleLine(line) }); err != nil {
		t.log.Debug().Err(err).Str("line", line).Msg("message not processed")
	}
}

// SetSink installs the callback receiver. A nil sink installs NopSink.
func (t *Tracker) SetSink(s Sink) error {
	return t.call(func() {
		if s == nil {
			t.sink = NopSink{}
			t.hasSink.Store(false)
			return
		}
		t.sink = s
		t.hasSink.Store(true)
	})
}

// HasSink reports whether a sink other than NopSink is installed.
func (t *Tracker) HasSink() bool {
	return t.hasSink.Load()
}

// SetTimings replaces the durations. Active entries keep their current
// deadlines; new and refreshed activations use the new values.
func (t *Tracker) SetTimings(timings Timings) error {
	if err := timings.Validate(); err != nil {
		return err
	}
	return t.call(func() {
		t.timings = timings
		t.watchdog.SetStaleAfter(timings.StaleAfter)
		if t.ticker != nil {
			t.ticker.Reset(timings.WatchdogInterval)
		}
		t.publish()
		t.log.Info().Interface("timings", timings).Msg("timings updated")
	})
}

// Timings returns the durations currently in effect.
func (t *Tracker) Timings() Timings {
	var timings Timings
	if err := t.call(func() { timings = t.timings }); err != nil {
		return DefaultTimings()
	}
	return timings
}

func (t *Tracker) postExpiry(exp activation.Expiry) {
	select {
	case t.expired <- exp:
	case <-t.done:
	}
}

func (t *Tracker) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	t.lastMessage = t.clock.Now()
	t.publish()
	t.setLive(true)

	ev := protocol.Parse(line)
	eventsTotal.WithLabelValues(protocol.Kind(ev)).Inc()

	switch ev := ev.(type) {
	case protocol.KeyPress:
		t.pressKey(ev.Key)
	case protocol.ModifierTransition:
		if ev.Active {
			t.modifierDown(ev.Modifier)
		} else {
			t.modifierUp(ev.Modifier)
		}
	case protocol.NavKeyTransition:
		if ev.Active {
			t.navKeyDown(ev.Key)
		} else {
			t.navKeyUp(ev.Key)
		}
	case protocol.LayerTransition:
		if ev.Active {
			t.setLayer(ev.Layer)
		} else {
			// Exiting any layer lands on base, not on the layer that was
			// active before it.
			t.setLayer(BaseLayer)
		}
	case protocol.DebugEvent:
		key := debugKeyPrefix + ev.Key
		if ev.Active {
			t.pressKey(key)
		} else if t.keys.Deactivate(key) {
			t.keyReleased(key)
		}
	case protocol.Unrecognized:
		t.log.Debug().Str("line", ev.Raw).Msg("unrecognized message")
	}
}

func (t *Tracker) handleExpiry(exp activation.Expiry) {
	switch exp.Table {
	case tableKeys:
		if t.keys.Expire(exp) {
			expiriesTotal.WithLabelValues(t.keys.Name()).Inc()
			t.keyReleased(exp.ID)
		}
	case tableNavKeys:
		if t.navKeys.Expire(exp) {
			expiriesTotal.WithLabelValues(t.navKeys.Name()).Inc()
			t.navKeyReleased(exp.ID)
		}
	case tableModifiers:
		if t.modifiers.Expire(exp) {
			expiriesTotal.WithLabelValues(t.modifiers.Name()).Inc()
			t.log.Debug().Str("modifier", exp.ID).Msg("modifier safety timeout")
			t.watchdog.Forget(exp.ID)
			t.modifierReleased(exp.ID)
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()
	for _, mod := range t.watchdog.Stale(now, t.modifiers.IDs()) {
		watchdogReleasesTotal.Inc()
		t.log.Info().Str("modifier", mod).Dur("stale_after", t.watchdog.StaleAfter()).Msg("releasing stuck modifier")
		t.modifierUp(mod)
	}
	if t.live && now.Sub(t.lastMessage) >= t.timings.LivenessWindow {
		t.setLive(false)
	}
}

func (t *Tracker) pressKey(key string) {
	if !t.keys.Activate(key, t.timings.Key) {
		return
	}
	transitionsTotal.WithLabelValues(t.keys.Name(), "activate").Inc()
	t.publish()
	t.sink.OnKeyPress(key)
}

func (t *Tracker) keyReleased(key string) {
	transitionsTotal.WithLabelValues(t.keys.Name(), "deactivate").Inc()
	t.publish()
	if o, ok := t.sink.(KeyReleaseObserver); ok {
		o.OnKeyRelease(key)
	}
}

func (t *Tracker) modifierDown(mod string) {
	t.watchdog.Touch(mod, t.clock.Now())
	if !t.modifiers.Activate(mod, t.timings.Modifier) {
		return
	}
	transitionsTotal.WithLabelValues(t.modifiers.Name(), "activate").Inc()
	t.publish()
	t.sink.OnModifierChange(mod, true)
}

func (t *Tracker) modifierUp(mod string) {
	t.watchdog.Forget(mod)
	if t.modifiers.Deactivate(mod) {
		t.modifierReleased(mod)
	}
}

func (t *Tracker) modifierReleased(mod string) {
	transitionsTotal.WithLabelValues(t.modifiers.Name(), "deactivate").Inc()
	t.publish()
	t.sink.OnModifierChange(mod, false)
}

func (t *Tracker) navKeyDown(key string) {
	if !t.navKeys.Activate(key, t.timings.NavKey) {
		return
	}
	transitionsTotal.WithLabelValues(t.navKeys.Name(), "activate").Inc()
	t.publish()
	t.sink.OnNavigationKeyChange(key, true)
}

func (t *Tracker) navKeyUp(key string) {
	if t.navKeys.Deactivate(key) {
		t.navKeyReleased(key)
	}
}

func (t *Tracker) navKeyReleased(key string) {
	transitionsTotal.WithLabelValues(t.navKeys.Name(), "deactivate").Inc()
	t.publish()
	t.sink.OnNavigationKeyChange(key, false)
}

func (t *Tracker) setLayer(layer string) {
	if layer == t.layer {
		return
	}
	t.layer = layer
	t.publish()
	t.sink.OnLayerChange(layer)
}

func (t *Tracker) setLive(live bool) {
	if t.live == live {
		return
	}
	t.live = live
	if live {
		upstreamLive.Set(1)
	} else {
		upstreamLive.Set(0)
	}
	if o, ok := t.sink.(LivenessObserver); ok {
		o.OnUpstreamLiveChange(live)
	}
}

func (t *Tracker) publish() {
	t.current.Store(&published{
		snap: Snapshot{
			Keys:          t.keys.IDs(),
			NavKeys:       t.navKeys.IDs(),
			Modifiers:     t.modifiers.IDs(),
			Layer:         t.layer,
			LastMessageAt: t.lastMessage,
		},
		window: t.timings.LivenessWindow,
	})
}

// Snapshot returns a copy of the current state. UpstreamLive is evaluated
// against the clock at the time of the call.
func (t *Tracker) Snapshot() Snapshot {
	p := t.current.Load()
	snap := p.snap
	snap.Keys = slices.Clone(snap.Keys)
	snap.NavKeys = slices.Clone(snap.NavKeys)
	snap.Modifiers = slices.Clone(snap.Modifiers)
	snap.UpstreamLive = isLive(snap.LastMessageAt, t.clock.Now(), p.window)
	return snap
}

func isLive(last, now time.Time, window time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < window
}

func contains(sorted []string, id string) bool {
	_, found := slices.BinarySearch(sorted, id)
	return found
}

// IsKeyActive reports whether key is currently pressed.
func (t *Tracker) IsKeyActive(key string) bool {
	return contains(t.current.Load().snap.Keys, key)
}

// IsModifierActive reports whether mod is currently held. Modifier names
// are stored lowercased.
func (t *Tracker) IsModifierActive(mod string) bool {
	return contains(t.current.Load().snap.Modifiers, strings.ToLower(mod))
}

// IsNavKeyActive reports whether the navigation key is active. Navigation
// key names are stored lowercased.
func (t *Tracker) IsNavKeyActive(key string) bool {
	return contains(t.current.Load().snap.NavKeys, strings.ToLower(key))
}

// ActiveKeys returns the pressed keys in sorted order.
func (t *Tracker) ActiveKeys() []string {
	return slices.Clone(t.current.Load().snap.Keys)
}

// ActiveModifiers returns the held modifiers in sorted order.
func (t *Tracker) ActiveModifiers() []string {
	return slices.Clone(t.current.Load().snap.Modifiers)
}

// ActiveNavKeys returns the active navigation keys in sorted order.
func (t *Tracker) ActiveNavKeys() []string {
	return slices.Clone(t.current.Load().snap.NavKeys)
}

// CurrentLayer returns the current layer name.
func (t *Tracker) CurrentLayer() string {
	return t.current.Load().snap.Layer
}

// UpstreamLive reports whether the remapper sent anything within the
// liveness window.
func (t *Tracker) UpstreamLive() bool {
	p := t.current.Load()
	return isLive(p.snap.LastMessageAt, t.clock.Now(), p.window)
}
