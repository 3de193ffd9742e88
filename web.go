package keyviz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/rs/zerolog"

	"github.com/keyviz/keyviz/internal/tracker"
)

const httpShutdownTimeout = 5 * time.Second

type stateResponse struct {
	Tracker   tracker.Snapshot `json:"tracker"`
	Listener  listenerStatus   `json:"listener"`
	Renderers int              `json:"renderers"`
	Version   string           `json:"version"`
}

func (a *App) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DisableConsoleColor()
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(logger.SetLogger(
		logger.WithLogger(func(_ *gin.Context, _ zerolog.Logger) zerolog.Logger {
			return *a.webLogger
		}),
		logger.WithDefaultLevel(zerolog.DebugLevel),
	))

	r.GET("/healthz", a.handleHealth)
	r.GET("/api/state", a.handleState)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if a.hub != nil {
		r.GET("/ws", gin.WrapH(a.hub))
	}
	return r
}

func (a *App) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"upstream_live": a.tracker.UpstreamLive(),
	})
}

func (a *App) handleState(c *gin.Context) {
	resp := stateResponse{
		Tracker:  a.tracker.Snapshot(),
		Listener: a.listenerStatus(),
		Version:  version.Version,
	}
	if a.hub != nil {
		resp.Renderers = a.hub.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

// serveHTTP serves the renderer endpoints until ctx is done.
func (a *App) serveHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding http %s: %w", addr, err)
	}
	a.httpAddr <- ln.Addr()

	srv := &http.Server{
		Handler:           a.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.webLogger.Info().Stringer("address", ln.Addr()).Msg("serving renderers")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.webLogger.Warn().Err(err).Msg("http shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	}
}
