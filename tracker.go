package keyviz

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/keyviz/keyviz/internal/overlay"
	"github.com/keyviz/keyviz/internal/tracker"
)

func (a *App) initTracker() {
	cfg := a.config()
	a.tracker = tracker.New(tracker.Options{
		Logger:  a.trackerLogger,
		Clock:   a.clock,
		Timings: cfg.Timings,
	})

	sinks := []tracker.Sink{tracker.NewLogSink(*a.trackerLogger)}
	if cfg.HTTP.Enabled {
		a.hub = overlay.NewHub(a.tracker, a.webLogger,
			overlay.WithOriginPatterns(cfg.HTTP.AllowedOrigins...))
		sinks = append(sinks, a.hub)
	}
	// Not started yet, so this cannot fail.
	_ = a.tracker.SetSink(tracker.MultiSink(sinks...))
}

// cronLogger routes scheduler logs into zerolog.
type cronLogger struct {
	l *zerolog.Logger
}

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debug().Fields(args).Msg(msg) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Info().Fields(args).Msg(msg) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warn().Fields(args).Msg(msg) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Error().Fields(args).Msg(msg) }

func (a *App) startStatusJob(interval time.Duration) error {
	scheduler, err := gocron.NewScheduler(
		gocron.WithClock(a.clock),
		gocron.WithLogger(cronLogger{l: a.trackerLogger}),
	)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(a.logStatus),
		gocron.WithName("status"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("scheduling status job: %w", err)
	}
	scheduler.Start()
	a.scheduler = scheduler
	return nil
}

// logStatus writes a periodic summary of what the tracker believes.
func (a *App) logStatus() {
	snap := a.tracker.Snapshot()
	ev := a.trackerLogger.Info().
		Strs("keys", snap.Keys).
		Strs("modifiers", snap.Modifiers).
		Strs("nav_keys", snap.NavKeys).
		Str("layer", snap.Layer).
		Bool("upstream_live", snap.UpstreamLive)
	if a.listener != nil {
		ev = ev.Int("connections", a.listener.Connections())
	}
	if a.hub != nil {
		ev = ev.Int("renderers", a.hub.Clients())
	}
	ev.Msg("tracker status")
}
