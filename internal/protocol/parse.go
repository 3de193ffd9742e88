package protocol

import "strings"

const (
	directionDown = "down"
	directionUp   = "up"
	tapSuffix     = "tap"
)

// Parse decodes a single trimmed line of the remapper's status protocol.
//
// The protocol is colon-delimited, `type:arg1[:arg2]`, with case-sensitive
// prefixes. Lines that do not match any known form come back as
// Unrecognized; Parse never fails.
func Parse(line string) Event {
	parts := strings.Split(line, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Unrecognized{Raw: line}
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Unrecognized{Raw: line}
		}
	}

	switch parts[0] {
	case KindKeyPress:
		return parseKeyPress(line, parts)
	case KindNavKey:
		return parseNavKey(line, parts)
	case KindModifier:
		return parseModifier(line, parts)
	case KindLayer:
		return parseLayer(line, parts)
	case KindDebug:
		return parseDebug(line, parts)
	}
	return Unrecognized{Raw: line}
}

func parseKeyPress(line string, parts []string) Event {
	if len(parts) == 3 && parts[2] != tapSuffix {
		return Unrecognized{Raw: line}
	}
	return KeyPress{Key: parts[1]}
}

func parseNavKey(line string, parts []string) Event {
	key := strings.ToLower(parts[1])
	if len(parts) == 2 {
		return NavKeyTransition{Key: key, Active: true, Momentary: true}
	}
	active, ok := direction(parts[2])
	if !ok {
		return Unrecognized{Raw: line}
	}
	return NavKeyTransition{Key: key, Active: active}
}

func parseModifier(line string, parts []string) Event {
	if len(parts) != 3 {
		return Unrecognized{Raw: line}
	}
	active, ok := direction(parts[2])
	if !ok {
		return Unrecognized{Raw: line}
	}
	return ModifierTransition{Modifier: strings.ToLower(parts[1]), Active: active}
}

func parseLayer(line string, parts []string) Event {
	if len(parts) == 2 {
		return LayerTransition{Layer: parts[1], Active: true, Momentary: true}
	}
	active, ok := direction(parts[2])
	if !ok {
		return Unrecognized{Raw: line}
	}
	return LayerTransition{Layer: parts[1], Active: active}
}

func parseDebug(line string, parts []string) Event {
	if len(parts) != 3 {
		return Unrecognized{Raw: line}
	}
	active, ok := direction(parts[2])
	if !ok {
		return Unrecognized{Raw: line}
	}
	return DebugEvent{Key: strings.ToLower(parts[1]), Active: active}
}

func direction(s string) (active bool, ok bool) {
	switch s {
	case directionDown:
		return true, true
	case directionUp:
		return false, true
	}
	return false, false
}
