package keyviz

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keyviz/keyviz/internal/listener"
	"github.com/keyviz/keyviz/internal/overlay"
	"github.com/keyviz/keyviz/internal/tracker"
	"github.com/keyviz/keyviz/internal/utils"
)

// App wires the listener, the tracker and the renderer surfaces together.
type App struct {
	configPath string
	clock      clockwork.Clock

	cfgMu sync.Mutex
	cfg   *Config

	logger         zerolog.Logger
	trackerLogger  *zerolog.Logger
	listenerLogger *zerolog.Logger
	webLogger      *zerolog.Logger
	configLogger   *zerolog.Logger

	tracker   *tracker.Tracker
	listener  *listener.Listener
	hub       *overlay.Hub
	scheduler gocron.Scheduler

	// httpAddr is published once the web server is bound.
	httpAddr chan net.Addr
}

type AppOption func(*App)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) AppOption {
	return func(a *App) { a.clock = clock }
}

// WithConfigPath enables live reloading of the given file.
func WithConfigPath(path string) AppOption {
	return func(a *App) { a.configPath = path }
}

func NewApp(cfg *Config, logger zerolog.Logger, opts ...AppOption) *App {
	a := &App{
		cfg:            cfg,
		clock:          clockwork.NewRealClock(),
		logger:         logger,
		trackerLogger:  subsystemLogger(logger, "tracker"),
		listenerLogger: subsystemLogger(logger, "listener"),
		webLogger:      subsystemLogger(logger, "web"),
		configLogger:   subsystemLogger(logger, "config"),
		httpAddr:       make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	initPrometheus()
	a.initTracker()
	return a
}

func (a *App) config() *Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Run blocks until ctx is cancelled or a component fails. Failing to bind
// the message listener is returned immediately.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()

	if err := a.tracker.Start(ctx); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}
	defer a.tracker.Stop()

	if err := a.startListener(); err != nil {
		return err
	}
	defer a.listener.Close()

	utils.SetProcTitle(fmt.Sprintf("keyviz %s://%s", cfg.Listen.Network, a.listener.Addr()))

	if err := a.startStatusJob(cfg.StatusInterval); err != nil {
		return err
	}
	defer func() {
		if err := a.scheduler.Shutdown(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to shut down scheduler")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Enabled {
		g.Go(func() error { return a.serveHTTP(ctx, cfg.HTTP.Address) })
	}
	if a.configPath != "" {
		g.Go(func() error {
			return watchConfig(ctx, a.configPath, a.configLogger, a.applyConfig)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	a.logger.Info().
		Str("network", cfg.Listen.Network).
		Stringer("address", a.listener.Addr()).
		Bool("http", cfg.HTTP.Enabled).
		Msg("keyviz started")
	err := g.Wait()
	a.logger.Info().Msg("keyviz stopping")
	return err
}

// applyConfig takes over what can change at runtime and reports the rest.
func (a *App) applyConfig(next *Config) {
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg = next
	a.cfgMu.Unlock()

	if next.Timings != prev.Timings {
		if err := a.tracker.SetTimings(next.Timings); err != nil {
			a.configLogger.Warn().Err(err).Msg("failed to apply timings")
		}
	}
	if next.Log.Level != prev.Log.Level {
		if err := setLogLevel(next.Log.Level); err != nil {
			a.configLogger.Warn().Err(err).Msg("failed to apply log level")
		} else {
			a.configLogger.Info().Str("level", next.Log.Level).Msg("log level updated")
		}
	}

	restart := next.Listen != prev.Listen ||
		!reflect.DeepEqual(next.HTTP, prev.HTTP) ||
		next.Log.Format != prev.Log.Format ||
		next.StatusInterval != prev.StatusInterval
	if restart {
		a.configLogger.Warn().Msg("config change requires a restart to take effect")
	}
}
