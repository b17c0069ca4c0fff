package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
)

const (
	DefaultHighWaterMark   = 64
	DefaultThrottleTimeout = 500 * time.Millisecond
	DefaultWriteBufferSize = 4096
	DefaultWriteTimeout    = 10 * time.Second
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port
	Port int

	// Reuseport controls setting SO_REUSEPORT. It's required for more than one
	// listener.
	Reuseport bool

	NumListeners int

	// Codec used to decode inbound frames and encode outbound ones. Defaults to
	// message.ProtoCodec.
	Codec message.Codec

	// HighWaterMark is the outbound queue length at which a broadcaster is made
	// to wait for the connection to flush. 0 uses the default, a negative
	// value disables the throttle.
	HighWaterMark int

	// ThrottleTimeout bounds how long a throttled broadcaster waits. A
	// connection that hasn't finished a write by then is dropped as a slow
	// consumer.
	ThrottleTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	// MaxFrameSize is the largest inbound frame body accepted. 0 uses
	// protocol.DefaultMaxFrameSize, a negative value removes the limit.
	MaxFrameSize int

	WriteTimeout time.Duration

	Log *zap.Logger
}

// sessionConfig is the subset of Options every session needs.
type sessionConfig struct {
	codec message.Codec

	highWaterMark   int
	throttleTimeout time.Duration

	readBufferSize  int
	writeBufferSize int
	maxFrameSize    int

	writeTimeout time.Duration
}

func (o Options) sessionConfig() sessionConfig {
	cfg := sessionConfig{
		codec:           o.Codec,
		highWaterMark:   o.HighWaterMark,
		throttleTimeout: o.ThrottleTimeout,
		readBufferSize:  o.ReadBufferSize,
		writeBufferSize: o.WriteBufferSize,
		maxFrameSize:    o.MaxFrameSize,
		writeTimeout:    o.WriteTimeout,
	}

	if cfg.codec == nil {
		cfg.codec = message.ProtoCodec{}
	}

	if cfg.highWaterMark == 0 {
		cfg.highWaterMark = DefaultHighWaterMark
	}

	if cfg.throttleTimeout <= 0 {
		cfg.throttleTimeout = DefaultThrottleTimeout
	}

	switch {
	case cfg.maxFrameSize == 0:
		cfg.maxFrameSize = protocol.DefaultMaxFrameSize
	case cfg.maxFrameSize < 0:
		cfg.maxFrameSize = 0
	}

	if cfg.writeBufferSize <= 0 {
		cfg.writeBufferSize = DefaultWriteBufferSize
	}

	if cfg.writeTimeout <= 0 {
		cfg.writeTimeout = DefaultWriteTimeout
	}

	return cfg
}
