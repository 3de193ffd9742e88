// Package listener receives the remapper's newline-delimited status lines
// over a local socket and hands each line to a Handler.
package listener

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	NetworkTCP = "tcp"
	NetworkUDP = "udp"

	DefaultMaxLineLength = 4096

	maxAcceptBackoff = time.Second
)

// ErrBind wraps the error returned by Start when the socket cannot be bound.
var ErrBind = errors.New("bind failed")

var defaultLogger = zerolog.New(os.Stdout).With().Str("subsystem", "listener").Logger()

// Handler receives complete lines. Submit is called from listener
// goroutines and must not block.
type Handler interface {
	Submit(line string)
}

type Config struct {
	Network       string `yaml:"network" json:"network"`
	Address       string `yaml:"address" json:"address"`
	MaxLineLength int    `yaml:"max_line_length" json:"max_line_length"`
}

// Listener owns the bound socket and its live connections. It never reads
// the state of whatever consumes its lines.
type Listener struct {
	cfg     Config
	handler Handler
	l       *zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	pc     net.PacketConn
	conns  map[xid.ID]net.Conn
	closed bool

	// quit is closed by Close to cut retry backoffs short.
	quit chan struct{}

	bindFailed atomic.Bool
	bindErr    atomic.Pointer[error]

	wg sync.WaitGroup
}

func New(cfg Config, handler Handler, logger *zerolog.Logger) *Listener {
	if logger == nil {
		l := defaultLogger
		logger = &l
	}
	if cfg.Network == "" {
		cfg.Network = NetworkTCP
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		l:       logger,
		conns:   make(map[xid.ID]net.Conn),
		quit:    make(chan struct{}),
	}
}

// Start binds the socket and begins serving in the background. A failure to
// bind is returned wrapped in ErrBind and is also kept in BindFailed and Err,
// so an owner that only polls can still shut the process down.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if l.ln != nil || l.pc != nil {
		return errors.New("listener already started")
	}

	scopedLogger := l.l.With().Str("network", l.cfg.Network).Str("address", l.cfg.Address).Logger()

	switch l.cfg.Network {
	case NetworkTCP:
		ln, err := net.Listen("tcp", l.cfg.Address)
		if err != nil {
			return l.failBind(err)
		}
		l.ln = ln
		l.wg.Add(1)
		go l.acceptLoop(ln)
		scopedLogger.Info().Str("bound", ln.Addr().String()).Msg("listening for remapper events")
	case NetworkUDP:
		pc, err := net.ListenPacket("udp", l.cfg.Address)
		if err != nil {
			return l.failBind(err)
		}
		l.pc = pc
		l.wg.Add(1)
		go l.packetLoop(pc)
		scopedLogger.Info().Str("bound", pc.LocalAddr().String()).Msg("listening for remapper datagrams")
	default:
		return l.failBind(fmt.Errorf("unsupported network %q", l.cfg.Network))
	}
	return nil
}

func (l *Listener) failBind(err error) error {
	err = fmt.Errorf("%w: %s %s: %w", ErrBind, l.cfg.Network, l.cfg.Address, err)
	l.bindErr.Store(&err)
	l.bindFailed.Store(true)
	return err
}

// BindFailed reports whether Start could not bind the socket.
func (l *Listener) BindFailed() bool {
	return l.bindFailed.Load()
}

// Err returns the bind error, if any.
func (l *Listener) Err() error {
	if p := l.bindErr.Load(); p != nil {
		return *p
	}
	return nil
}

// IsAddrInUse reports whether err means the address is taken, which for
// keyviz almost always means another instance is already running.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Addr returns the bound address, or nil before a successful Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.ln != nil:
		return l.ln.Addr()
	case l.pc != nil:
		return l.pc.LocalAddr()
	}
	return nil
}

// Connections returns the number of open stream connections.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close stops accepting, closes every open connection and waits for all
// listener goroutines to return.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.quit)
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	if l.pc != nil {
		err = l.pc.Close()
	}
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Anything else, EMFILE included, is transient while the socket
			// stays bound.
			backoff = nextBackoff(backoff)
			l.l.Warn().Err(err).Dur("retry_in", backoff).Msg("accept error")
			if !l.wait(backoff) {
				return
			}
			continue
		}
		backoff = 0

		id := xid.New()
		if !l.track(id, conn) {
			_ = conn.Close()
			return
		}
		connectionsAccepted.Inc()
		connectionsActive.Inc()
		l.wg.Add(1)
		go l.serveConn(id, conn)
	}
}

// wait sleeps for d and reports false if Close ran in the meantime.
func (l *Listener) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.quit:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(d*2, maxAcceptBackoff)
}

func (l *Listener) track(id xid.ID, conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[id] = conn
	return true
}

func (l *Listener) untrack(id xid.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, id)
}

func (l *Listener) serveConn(id xid.ID, conn net.Conn) {
	scopedLogger := l.l.With().
		Str("conn_id", id.String()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			scopedLogger.Warn().Interface("recover", r).Msg("recovered from connection reader panic")
		}
		_ = conn.Close()
		l.untrack(id)
		connectionsActive.Dec()
		scopedLogger.Debug().Msg("connection closed")
	}()

	scopedLogger.Debug().Msg("connection opened")
	if err := l.readLines(conn); err != nil && !isExpectedClose(err) {
		scopedLogger.Warn().Err(err).Msg("error reading from connection")
	}
}

// readLines splits the stream on newlines and submits every non-empty
// line. A line may arrive across several reads and one read may carry many
// lines; a final line without a newline is delivered at EOF.
func (l *Listener) readLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), l.cfg.MaxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		linesReceived.WithLabelValues(NetworkTCP).Inc()
		l.handler.Submit(line)
	}
	return scanner.Err()
}

func (l *Listener) packetLoop(pc net.PacketConn) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.l.Warn().Interface("recover", r).Msg("recovered from datagram reader panic")
		}
	}()

	buf := make([]byte, 64*1024)
	var backoff time.Duration
	for {
		n, addr, err := pc.ReadFrom(buf)
		if n > 0 {
			lines := SplitLines(buf[:n])
			l.l.Trace().Str("remote", addr.String()).Int("lines", len(lines)).Msg("datagram received")
			for _, line := range lines {
				linesReceived.WithLabelValues(NetworkUDP).Inc()
				l.handler.Submit(line)
			}
		}
		if err == nil {
			backoff = 0
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		backoff = nextBackoff(backoff)
		l.l.Warn().Err(err).Dur("retry_in", backoff).Msg("error reading datagram")
		if !l.wait(backoff) {
			return
		}
	}
}

// SplitLines splits data on newlines, trims each line and drops empty ones.
func SplitLines(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
