package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxAcceptBackoff = time.Second

// TCP is the relay server. It accepts connections on one or more listeners
// and broadcasts every message any client sends to every connected client.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	reuseport    bool
	numListeners int
	listeners    []*TCPListener

	registry *Registry
	stats    *Stats
	nextID   atomic.Uint64

	options Options

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport {
		// Without SO_REUSEPORT only one socket can bind the address
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		registry:     NewRegistry(),
		stats:        &Stats{},
		options:      options,
		log:          log,
	}
}

// Start binds every listener and starts accepting connections. It returns an
// error, and nothing is left listening, if any listener fails to bind.
func (t *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Starting tcp listeners", zap.Int("count", t.numListeners))

	addr := t.addr

	for i := 0; i < t.numListeners; i++ {
		listener, err := t.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(
				fmt.Errorf("Failed to listen on %s: %w", addr, err),
				t.closeListeners())
		}

		// When asked for port 0 every other listener has to share the port
		// the first one was given
		addr = listener.Addr().String()

		t.listeners = append(t.listeners, NewTCPListener(
			ctx,
			listener,
			t.registry,
			t.options.sessionConfig(),
			t.stats,
			&t.nextID,
			t.log.Named("listener").With(zap.Int("listener", i)),
		))
	}

	for _, listener := range t.listeners {
		listener := listener
		t.stopWaiter.Add(1)

		go func() {
			defer t.stopWaiter.Done()
			listener.Listen()
		}()
	}

	return nil
}

func (t *TCP) listen(addr string) (net.Listener, error) {
	if t.reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

// Addr returns the address the server is listening on, nil before Start.
func (t *TCP) Addr() net.Addr {
	if len(t.listeners) == 0 {
		return nil
	}

	return t.listeners[0].Addr()
}

func (t *TCP) Registry() *Registry {
	return t.registry
}

func (t *TCP) Stats() StatsSnapshot {
	return t.stats.snapshot(t.registry.Len())
}

// Close stops accepting, closes every connection and waits for all sessions
// to finish.
func (t *TCP) Close() error {
	t.log.Info("Stopping TCP server")

	if t.cancel != nil {
		t.cancel()
	}

	err := t.closeListeners()
	err = multierr.Append(err, t.registry.Close())

	t.log.Info("Waiting for listeners")
	t.stopWaiter.Wait()
	t.log.Info("Listeners stopped")

	return err
}

func (t *TCP) closeListeners() (err error) {
	for _, listener := range t.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

// TCPListener accepts connections from one socket and runs a Session for
// each of them.
type TCPListener struct {
	ctx context.Context

	listener net.Listener
	registry *Registry
	config   sessionConfig
	stats    *Stats
	nextID   *atomic.Uint64

	closeOnce sync.Once
	sessions  sync.WaitGroup

	log *zap.Logger
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	registry *Registry,
	config sessionConfig,
	stats *Stats,
	nextID *atomic.Uint64,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:      ctx,
		listener: listener,
		registry: registry,
		config:   config,
		stats:    stats,
		nextID:   nextID,
		log:      log,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPListener) Close() (err error) {
	t.closeOnce.Do(func() {
		err = t.listener.Close()
	})

	return err
}

// Listen accepts connections until the listener is closed or its context is
// cancelled, then waits for the sessions it started to end.
func (t *TCPListener) Listen() {
	stop := context.AfterFunc(t.ctx, func() {
		t.log.Info("Stopped accepting new connections")
		t.Close()
	})
	defer stop()

	defer func() {
		t.log.Info("Waiting for sessions to end")
		t.sessions.Wait()
		t.log.Info("Listener stopped")
	}()

	var backoff time.Duration

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}

			// Accept errors only affect the connection being accepted, e.g.
			// running out of file descriptors, so back off and keep going
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}

			t.log.Error("Failed to accept connection",
				zap.Duration("retryIn", backoff),
				zap.Error(err))

			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return
			}

			continue
		}

		backoff = 0
		t.handle(conn)
	}
}

func (t *TCPListener) handle(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	session := newSession(t.nextID.Add(1), conn, t.registry, t.config, t.stats, t.log.Named("session"))

	t.stats.accepted.Add(1)
	t.registry.Add(session)

	t.sessions.Add(1)
	go func() {
		defer t.sessions.Done()
		_ = session.Run(t.ctx)
	}()
}
