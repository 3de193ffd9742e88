package protocol

import "strings"

// Format renders ev as its canonical wire line, without the trailing
// newline. Unrecognized events are returned verbatim.
func Format(ev Event) string {
	switch e := ev.(type) {
	case KeyPress:
		return join(KindKeyPress, e.Key)
	case ModifierTransition:
		return join(KindModifier, e.Modifier, directionOf(e.Active))
	case NavKeyTransition:
		if e.Momentary {
			return join(KindNavKey, e.Key)
		}
		return join(KindNavKey, e.Key, directionOf(e.Active))
	case LayerTransition:
		if e.Momentary {
			return join(KindLayer, e.Layer)
		}
		return join(KindLayer, e.Layer, directionOf(e.Active))
	case DebugEvent:
		return join(KindDebug, e.Key, directionOf(e.Active))
	case Unrecognized:
		return e.Raw
	}
	return ""
}

func join(fields ...string) string {
	return strings.Join(fields, ":")
}

func directionOf(active bool) string {
	if active {
		return directionDown
	}
	return directionUp
}
