package client

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
)

// Conn is a client connection to a relay server.
//
// Send may be called from any goroutine. Receive must only be called from one
// goroutine at a time.
type Conn struct {
	conn  net.Conn
	codec message.Codec

	reader *protocol.Reader

	writeMu sync.Mutex

	log *zap.Logger
}

// New wraps an established connection.
func New(conn net.Conn, codec message.Codec, log *zap.Logger) *Conn {
	if codec == nil {
		codec = message.ProtoCodec{}
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		conn:   conn,
		codec:  codec,
		reader: protocol.NewReader(conn, codec, protocol.MaxFrameSize(0)),
		log:    log.With(zap.String("server", conn.RemoteAddr().String())),
	}
}

// Dial connects to the relay server at addr.
func Dial(ctx context.Context, addr string, codec message.Codec, log *zap.Logger) (*Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return New(conn, codec, log), nil
}

// Send writes msg as a single frame. The server will send it back to us, and
// to every other client, once it has been broadcast.
func (c *Conn) Send(msg *message.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return protocol.WriteMessage(c.conn, c.codec, msg)
}

// SendRaw writes data to the server as is, without framing.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.conn.Write(data)
	return err
}

// Receive blocks until the next broadcast arrives.
func (c *Conn) Receive() (*message.Message, error) {
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.log.Debug("Failed to read broadcast", zap.Error(err))
		return nil, err
	}

	return msg, nil
}

// ReceiveTimeout is Receive with a read deadline. A zero timeout clears any
// deadline.
func (c *Conn) ReceiveTimeout(timeout time.Duration) (*message.Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	return c.Receive()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
