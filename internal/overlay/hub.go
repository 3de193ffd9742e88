// Package overlay streams tracker transitions to browser-based renderers
// over websocket.
package overlay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/keyviz/keyviz/internal/tracker"
)

const (
	TypeSnapshot = "snapshot"
	TypeKey      = "key"
	TypeModifier = "modifier"
	TypeNavKey   = "navkey"
	TypeLayer    = "layer"
	TypeLiveness = "liveness"

	defaultClientQueue = 64
	writeTimeout       = 2 * time.Second
)

var errTooSlow = errors.New("renderer too slow")

var defaultLogger = zerolog.New(os.Stdout).With().Str("subsystem", "overlay").Logger()

// Message is one websocket frame sent to a renderer.
type Message struct {
	Type     string            `json:"type"`
	Key      string            `json:"key,omitempty"`
	Modifier string            `json:"modifier,omitempty"`
	Layer    string            `json:"layer,omitempty"`
	Active   *bool             `json:"active,omitempty"`
	Snapshot *tracker.Snapshot `json:"snapshot,omitempty"`
}

// SnapshotSource supplies the state sent to a renderer when it connects.
type SnapshotSource interface {
	Snapshot() tracker.Snapshot
}

type client struct {
	id    xid.ID
	queue chan Message
	// kick is closed when the client fell behind and must be dropped.
	kick     chan struct{}
	kickOnce sync.Once
}

func (c *client) drop() {
	c.kickOnce.Do(func() { close(c.kick) })
}

// Hub is a tracker.Sink that forwards every transition to all connected
// renderers. Broadcasting never blocks: a renderer whose queue is full is
// disconnected.
type Hub struct {
	source     SnapshotSource
	l          *zerolog.Logger
	queueSize  int
	originList []string

	mu      sync.Mutex
	clients map[*client]struct{}
}

type Option func(*Hub)

// WithQueueSize sets the per-client message buffer.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithOriginPatterns allows cross-origin renderers matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originList = patterns }
}

func NewHub(source SnapshotSource, logger *zerolog.Logger, opts ...Option) *Hub {
	if logger == nil {
		l := defaultLogger
		logger = &l
	}
	h := &Hub{
		source:    source,
		l:         logger,
		queueSize: defaultClientQueue,
		clients:   make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Clients returns the number of connected renderers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- msg:
		default:
			c.drop()
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func (h *Hub) OnKeyPress(key string) {
	h.broadcast(Message{Type: TypeKey, Key: key, Active: boolPtr(true)})
}

func (h *Hub) OnKeyRelease(key string) {
	h.broadcast(Message{Type: TypeKey, Key: key, Active: boolPtr(false)})
}

func (h *Hub) OnModifierChange(modifier string, active bool) {
	h.broadcast(Message{Type: TypeModifier, Modifier: modifier, Active: boolPtr(active)})
}

func (h *Hub) OnLayerChange(layer string) {
	h.broadcast(Message{Type: TypeLayer, Layer: layer})
}

func (h *Hub) OnNavigationKeyChange(key string, active bool) {
	h.broadcast(Message{Type: TypeNavKey, Key: key, Active: boolPtr(active)})
}

func (h *Hub) OnUpstreamLiveChange(live bool) {
	h.broadcast(Message{Type: TypeLiveness, Active: boolPtr(live)})
}

func (h *Hub) register() *client {
	c := &client{
		id:    xid.New(),
		queue: make(chan Message, h.queueSize),
		kick:  make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket, sends the current
// snapshot and then streams transitions until either side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originList,
	})
	if err != nil {
		h.l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Register before taking the snapshot so no transition falls between
	// the two.
	c := h.register()
	defer h.unregister(c)

	scopedLogger := h.l.With().Str("client_id", c.id.String()).Logger()
	scopedLogger.Info().Str("remote", r.RemoteAddr).Msg("renderer connected")

	// Renderers never send anything; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	err = h.stream(ctx, conn, c)
	switch {
	case errors.Is(err, errTooSlow):
		scopedLogger.Warn().Msg("renderer too slow, disconnecting")
		_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
	case websocket.CloseStatus(err) != -1 || ctx.Err() != nil:
		_ = conn.CloseNow()
	default:
		scopedLogger.Warn().Err(err).Msg("renderer stream ended")
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
	scopedLogger.Info().Msg("renderer disconnected")
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, c *client) error {
	if h.source != nil {
		snap := h.source.Snapshot()
		if err := write(ctx, conn, Message{Type: TypeSnapshot, Snapshot: &snap}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
			return errTooSlow
		case msg := <-c.queue:
			if err := write(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
