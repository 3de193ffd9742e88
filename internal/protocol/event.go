package protocol

// Event is one semantic message decoded from a remapper status line.
// The concrete types are KeyPress, ModifierTransition, NavKeyTransition,
// LayerTransition, DebugEvent and Unrecognized.
type Event interface {
	event()
}

// KeyPress is a momentary key activation that releases on its own.
type KeyPress struct {
	Key string
}

// ModifierTransition is an explicit modifier press or release.
type ModifierTransition struct {
	Modifier string
	Active   bool
}

// NavKeyTransition is a navigation-layer key press or release. Momentary is
// set for the legacy `navkey:KEY` form, which has no paired release.
type NavKeyTransition struct {
	Key       string
	Active    bool
	Momentary bool
}

// LayerTransition switches the current layer. Active=false means the layer
// was exited. Momentary is set for the legacy `layer:NAME` form.
type LayerTransition struct {
	Layer     string
	Active    bool
	Momentary bool
}

// DebugEvent is a debug-only key transition.
type DebugEvent struct {
	Key    string
	Active bool
}

// Unrecognized carries a line that did not match the protocol.
type Unrecognized struct {
	Raw string
}

func (KeyPress) event()           {}
func (ModifierTransition) event() {}
func (NavKeyTransition) event()   {}
func (LayerTransition) event()    {}
func (DebugEvent) event()         {}
func (Unrecognized) event()       {}

const (
	KindKeyPress     = "keypress"
	KindModifier     = "modifier"
	KindNavKey       = "navkey"
	KindLayer        = "layer"
	KindDebug        = "debug"
	KindUnrecognized = "unrecognized"
)

// Kind returns a short stable label for the event type, suitable for
// metric labels and log fields.
func Kind(ev Event) string {
	switch ev.(type) {
	case KeyPress:
		return KindKeyPress
	case ModifierTransition:
		return KindModifier
	case NavKeyTransition:
		return KindNavKey
	case LayerTransition:
		return KindLayer
	case DebugEvent:
		return KindDebug
	default:
		return KindUnrecognized
	}
}
