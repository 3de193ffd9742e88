package overlay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyviz/keyviz/internal/tracker"
)

type staticSource tracker.Snapshot

func (s staticSource) Snapshot() tracker.Snapshot { return tracker.Snapshot(s) }

func connect(t *testing.T, h *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, ctx
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestHubSendsSnapshotThenTransitions(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHub(staticSource{Layer: "f-nav", Modifiers: []string{"shift"}}, &logger)
	conn, ctx := connect(t, h)

	first := read(t, ctx, conn)
	require.Equal(t, TypeSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, "f-nav", first.Snapshot.Layer)
	assert.Equal(t, []string{"shift"}, first.Snapshot.Modifiers)
	assert.Equal(t, 1, h.Clients())

	h.OnKeyPress("a")
	h.OnKeyRelease("a")
	h.OnModifierChange("shift", false)
	h.OnNavigationKeyChange("h", true)
	h.OnLayerChange("base")
	h.OnUpstreamLiveChange(false)

	msg := read(t, ctx, conn)
	assert.Equal(t, TypeKey, msg.Type)
	assert.Equal(t, "a", msg.Key)
	require.NotNil(t, msg.Active)
	assert.True(t, *msg.Active)

	msg = read(t, ctx, conn)
	assert.Equal(t, TypeKey, msg.Type)
	assert.False(t, *msg.Active)

	msg = read(t, ctx, conn)
	assert.Equal(t, TypeModifier, msg.Type)
	assert.Equal(t, "shift", msg.Modifier)
	assert.False(t, *msg.Active)

	msg = read(t, ctx, conn)
	assert.Equal(t, TypeNavKey, msg.Type)
	assert.Equal(t, "h", msg.Key)

	msg = read(t, ctx, conn)
	assert.Equal(t, TypeLayer, msg.Type)
	assert.Equal(t, "base", msg.Layer)
	assert.Nil(t, msg.Active)

	msg = read(t, ctx, conn)
	assert.Equal(t, TypeLiveness, msg.Type)
	assert.False(t, *msg.Active)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHub(staticSource{}, &logger)
	conn, ctx := connect(t, h)
	read(t, ctx, conn)
	require.Equal(t, 1, h.Clients())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, time.Millisecond)

	assert.NotPanics(t, func() { h.OnKeyPress("a") })
}

func TestHubDropsClientWhenQueueOverflows(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHub(nil, &logger, WithQueueSize(1))

	c := h.register()
	h.OnKeyPress("a")
	h.OnKeyPress("b")

	select {
	case <-c.kick:
	default:
		t.Fatal("client should be kicked after its queue overflowed")
	}
	assert.Equal(t, "a", (<-c.queue).Key)
}

func TestBroadcastIsAValidSink(t *testing.T) {
	var _ tracker.Sink = (*Hub)(nil)
	var _ tracker.KeyReleaseObserver = (*Hub)(nil)
	var _ tracker.LivenessObserver = (*Hub)(nil)
}
