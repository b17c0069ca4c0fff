package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
)

// Session is a single client connection. It reads frames from the client and
// broadcasts them through the registry, and writes every broadcast it is
// delivered back to the client.
type Session struct {
	id   uint64
	conn net.Conn

	registry *Registry
	reader   *protocol.Reader
	out      *outbound
	stats    *Stats

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	writeErr error

	log *zap.Logger
}

// NewSession wraps conn. The caller is responsible for adding the session
// to the registry before calling Run. stats and log may be nil.
func NewSession(
	id uint64,
	conn net.Conn,
	registry *Registry,
	options Options,
	stats *Stats,
	log *zap.Logger,
) *Session {
	return newSession(id, conn, registry, options.sessionConfig(), stats, log)
}

func newSession(
	id uint64,
	conn net.Conn,
	registry *Registry,
	cfg sessionConfig,
	stats *Stats,
	log *zap.Logger,
) *Session {
	if stats == nil {
		stats = &Stats{}
	}

	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		stats:    stats,
		done:     make(chan struct{}),
		log: log.With(
			zap.Uint64("session", id),
			zap.String("remote", conn.RemoteAddr().String())),
	}

	s.reader = protocol.NewReader(conn, cfg.codec,
		protocol.ReadBufferSize(cfg.readBufferSize),
		protocol.MaxFrameSize(cfg.maxFrameSize))

	s.out = newOutbound(conn, cfg, stats, s.done, s.abort)

	return s
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Run reads and broadcasts messages until the connection fails, the client
// sends a malformed frame, or ctx is cancelled. The session is always removed
// from the registry and closed by the time Run returns, and its flush
// goroutine has exited.
//
// A clean disconnect, or a close caused by ctx, returns nil.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	s.log.Info("Session started")

	err := s.readLoop()
	closing := s.isClosing()

	s.registry.Remove(s)
	s.Close()
	s.out.close()

	// Once closed, the read fails with whatever the conn reports for a local
	// close, so only a recorded write failure is worth returning.
	if writeErr := s.failure(); writeErr != nil {
		err = writeErr
	} else if closing {
		err = nil
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		s.log.Info("Session ended")
		return nil

	case errors.Is(err, ErrSlowConsumer):
		s.log.Warn("Session dropped, it stopped reading broadcasts", zap.Error(err))

	case errors.Is(err, protocol.ErrFraming):
		s.log.Warn("Session ended after a malformed frame", zap.Error(err))

	default:
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			s.log.Warn("Session ended after an undecodable message", zap.Error(err))
		} else {
			s.log.Info("Session ended with a transport error", zap.Error(err))
		}
	}

	s.stats.sessionErrors.Add(1)
	return err
}

func (s *Session) readLoop() error {
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}

		s.stats.received.Add(1)

		if s.log.Core().Enabled(zap.DebugLevel) {
			s.log.Debug("Broadcasting message", zap.Stringer("message", msg))
		}

		n := s.registry.Broadcast(msg)
		s.stats.delivered.Add(int64(n))
	}
}

// Deliver queues msg to be written to the client. It is called by the
// registry for every broadcast, including ones this session sent.
func (s *Session) Deliver(msg *message.Message) {
	s.out.enqueue(msg)
}

// Close closes the connection, which ends Run. Safe to call more than once.
func (s *Session) Close() (err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})

	return err
}

func (s *Session) abort(err error) {
	if s.isClosing() {
		return
	}

	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()

	s.Close()
}

func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeErr
}

func (s *Session) isClosing() bool {
	select {
	case <-s.done:
		return true

	default:
		return false
	}
}

var _ Peer = (*Session)(nil)
