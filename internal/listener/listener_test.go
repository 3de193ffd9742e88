package listener

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) Submit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func startListener(t *testing.T, network string) (*Listener, *collector) {
	t.Helper()
	logger := zerolog.Nop()
	c := &collector{}
	l := New(Config{Network: network, Address: "127.0.0.1:0"}, c, &logger)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return l, c
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial(l.Addr().Network(), l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSingleChunkManyLines(t *testing.T) {
	l, c := startListener(t, NetworkTCP)
	conn := dial(t, l)

	_, err := conn.Write([]byte("keypress:a\nmodifier:shift:down\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"keypress:a", "modifier:shift:down"}, c.get())
}

func TestLineSpanningChunks(t *testing.T) {
	l, c := startListener(t, NetworkTCP)
	conn := dial(t, l)

	for _, chunk := range []string{"keypress:a\nmodif", "ier:shift", ":down\n"} {
		_, err := conn.Write([]byte(chunk))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"keypress:a", "modifier:shift:down"}, c.get())
}

func TestBlankLinesAndCRLF(t *testing.T) {
	l, c := startListener(t, NetworkTCP)
	conn := dial(t, l)

	_, err := conn.Write([]byte("\n\r\n  layer:f-nav  \r\n\nnavkey:h\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"layer:f-nav", "navkey:h"}, c.get())
}

func TestTrailingLineDeliveredOnClose(t *testing.T) {
	l, c := startListener(t, NetworkTCP)
	conn := dial(t, l)

	_, err := conn.Write([]byte("keypress:a\nkeypress:b"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"keypress:a", "keypress:b"}, c.get())
}

func TestConcurrentConnections(t *testing.T) {
	l, c := startListener(t, NetworkTCP)

	const clients = 5
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		conn := dial(t, l)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = conn.Write([]byte("keypress:a\nkeypress:b\n"))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(c.get()) == 2*clients }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return l.Connections() == clients }, time.Second, time.Millisecond)
}

func TestClosedConnectionLeavesActiveSet(t *testing.T) {
	l, _ := startListener(t, NetworkTCP)
	conn := dial(t, l)
	require.Eventually(t, func() bool { return l.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return l.Connections() == 0 }, time.Second, time.Millisecond)

	// The listener keeps accepting after a connection goes away.
	conn2 := dial(t, l)
	require.Eventually(t, func() bool { return l.Connections() == 1 }, time.Second, time.Millisecond)
	_ = conn2
}

func TestOverlongLineDropsOnlyThatConnection(t *testing.T) {
	logger := zerolog.Nop()
	c := &collector{}
	l := New(Config{Address: "127.0.0.1:0", MaxLineLength: 32}, c, &logger)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })

	bad := dial(t, l)
	_, err := bad.Write([]byte(strings.Repeat("x", 100) + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Connections() == 0 }, time.Second, time.Millisecond)

	good := dial(t, l)
	_, err = good.Write([]byte("keypress:a\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, time.Millisecond)
}

func TestCloseClosesConnections(t *testing.T) {
	logger := zerolog.Nop()
	l := New(Config{Address: "127.0.0.1:0"}, &collector{}, &logger)
	require.NoError(t, l.Start())

	conn := dial(t, l)
	require.Eventually(t, func() bool { return l.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	assert.Zero(t, l.Connections())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.NoError(t, l.Close())
}

func TestBindFailure(t *testing.T) {
	first, _ := startListener(t, NetworkTCP)

	logger := zerolog.Nop()
	second := New(Config{Address: first.Addr().String()}, &collector{}, &logger)
	err := second.Start()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.True(t, IsAddrInUse(err))
	assert.True(t, second.BindFailed())
	assert.Equal(t, err, second.Err())
	assert.False(t, first.BindFailed())
	assert.NoError(t, first.Err())
}

func TestUnsupportedNetwork(t *testing.T) {
	logger := zerolog.Nop()
	l := New(Config{Network: "sctp", Address: "127.0.0.1:0"}, &collector{}, &logger)
	err := l.Start()
	assert.ErrorIs(t, err, ErrBind)
	assert.True(t, l.BindFailed())
	assert.False(t, IsAddrInUse(err))
}

func TestUDPDatagrams(t *testing.T) {
	l, c := startListener(t, NetworkUDP)
	conn := dial(t, l)

	_, err := conn.Write([]byte("keypress:a\nmodifier:shift:down\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("layer:f-nav"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"keypress:a", "modifier:shift:down", "layer:f-nav"}, c.get())
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitLines([]byte("a\n\n b \r\n")))
	assert.Nil(t, SplitLines([]byte("\n \n")))
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// scriptedListener returns queued Accept results, then blocks until closed.
type scriptedListener struct {
	results   chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once
	calls     atomic.Int32
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	sl := &scriptedListener{
		results: make(chan acceptResult, len(results)),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		sl.results <- r
	}
	return sl
}

func (s *scriptedListener) Accept() (net.Conn, error) {
	s.calls.Add(1)
	select {
	case r := <-s.results:
		return r.conn, r.err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *scriptedListener) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// runAcceptLoop drives acceptLoop over ln the way Start would.
func runAcceptLoop(t *testing.T, ln net.Listener) (*Listener, *collector) {
	t.Helper()
	logger := zerolog.Nop()
	c := &collector{}
	l := New(Config{Network: NetworkTCP}, c, &logger)
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.wg.Add(1)
	go l.acceptLoop(ln)
	t.Cleanup(func() { _ = l.Close() })
	return l, c
}

func emfile() error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
}

func TestAcceptRecoversFromDescriptorExhaustion(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ln := newScriptedListener(
		acceptResult{err: emfile()},
		acceptResult{err: fmt.Errorf("accept: %w", syscall.ENFILE)},
		acceptResult{conn: server},
	)
	l, c := runAcceptLoop(t, ln)

	_, err := client.Write([]byte("keypress:z\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"keypress:z"}, c.get())
	assert.Equal(t, 1, l.Connections())
	assert.False(t, l.BindFailed())
}

func TestCloseInterruptsAcceptBackoff(t *testing.T) {
	results := make([]acceptResult, 64)
	for i := range results {
		results[i] = acceptResult{err: emfile()}
	}
	ln := newScriptedListener(results...)
	l, _ := runAcceptLoop(t, ln)

	// Let the backoff grow well past a few hundred milliseconds.
	time.Sleep(700 * time.Millisecond)
	calls := ln.calls.Load()
	assert.Less(t, calls, int32(15), "accept errors must be retried with backoff")

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Close waited for the accept backoff")
	}
}

// failingPacketConn fails every read until closed.
type failingPacketConn struct {
	net.PacketConn
	closed    chan struct{}
	closeOnce sync.Once
	reads     atomic.Int32
}

func (f *failingPacketConn) ReadFrom([]byte) (int, net.Addr, error) {
	f.reads.Add(1)
	select {
	case <-f.closed:
		return 0, nil, net.ErrClosed
	default:
		return 0, nil, syscall.ENOBUFS
	}
}

func (f *failingPacketConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func TestPacketReadErrorsBackOff(t *testing.T) {
	logger := zerolog.Nop()
	l := New(Config{Network: NetworkUDP}, &collector{}, &logger)
	pc := &failingPacketConn{closed: make(chan struct{})}
	l.mu.Lock()
	l.pc = pc
	l.mu.Unlock()
	l.wg.Add(1)
	go l.packetLoop(pc)

	time.Sleep(200 * time.Millisecond)
	assert.Less(t, pc.reads.Load(), int32(15))

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Close waited for the read backoff")
	}
}
