package tracker

import "github.com/rs/zerolog"

// Sink receives state transitions. Every method is called on the tracker's
// actor goroutine, once per real transition; a sink must return quickly and
// must not call ProcessMessage, SetSink or SetTimings. Queries are safe.
type Sink interface {
	OnKeyPress(key string)
	OnModifierChange(modifier string, active bool)
	OnLayerChange(layer string)
	OnNavigationKeyChange(key string, active bool)
}

// KeyReleaseObserver may be implemented by a Sink that also wants to know
// when a key leaves the active set.
type KeyReleaseObserver interface {
	OnKeyRelease(key string)
}

// LivenessObserver may be implemented by a Sink that wants upstream
// liveness transitions.
type LivenessObserver interface {
	OnUpstreamLiveChange(live bool)
}

// NopSink ignores everything. It is installed when no sink is registered.
type NopSink struct{}

func (NopSink) OnKeyPress(string)                  {}
func (NopSink) OnModifierChange(string, bool)      {}
func (NopSink) OnLayerChange(string)               {}
func (NopSink) OnNavigationKeyChange(string, bool) {}

type multiSink []Sink

// MultiSink fans every callback out to sinks in order, including the
// optional observer methods for the sinks that implement them.
func MultiSink(sinks ...Sink) Sink {
	var ms multiSink
	for _, s := range sinks {
		if s != nil {
			ms = append(ms, s)
		}
	}
	return ms
}

func (ms multiSink) OnKeyPress(key string) {
	for _, s := range ms {
		s.OnKeyPress(key)
	}
}

func (ms multiSink) OnModifierChange(modifier string, active bool) {
	for _, s := range ms {
		s.OnModifierChange(modifier, active)
	}
}

func (ms multiSink) OnLayerChange(layer string) {
	for _, s := range ms {
		s.OnLayerChange(layer)
	}
}

func (ms multiSink) OnNavigationKeyChange(key string, active bool) {
	for _, s := range ms {
		s.OnNavigationKeyChange(key, active)
	}
}

func (ms multiSink) OnKeyRelease(key string) {
	for _, s := range ms {
		if o, ok := s.(KeyReleaseObserver); ok {
			o.OnKeyRelease(key)
		}
	}
}

func (ms multiSink) OnUpstreamLiveChange(live bool) {
	for _, s := range ms {
		if o, ok := s.(LivenessObserver); ok {
			o.OnUpstreamLiveChange(live)
		}
	}
}

// LogSink logs every transition at debug level. It is the whole "renderer"
// when keyviz runs headless.
type LogSink struct {
	l zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{l: logger}
}

func (s *LogSink) OnKeyPress(key string) {
	s.l.Debug().Str("key", key).Msg("key pressed")
}

func (s *LogSink) OnKeyRelease(key string) {
	s.l.Debug().Str("key", key).Msg("key released")
}

func (s *LogSink) OnModifierChange(modifier string, active bool) {
	s.l.Debug().Str("modifier", modifier).Bool("active", active).Msg("modifier changed")
}

func (s *LogSink) OnLayerChange(layer string) {
	s.l.Info().Str("layer", layer).Msg("layer changed")
}

func (s *LogSink) OnNavigationKeyChange(key string, active bool) {
	s.l.Debug().Str("key", key).Bool("active", active).Msg("navigation key changed")
}

func (s *LogSink) OnUpstreamLiveChange(live bool) {
	if live {
		s.l.Info().Msg("remapper is sending events")
		return
	}
	s.l.Warn().Msg("no events from remapper, it may not be running")
}
