package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
)

// ErrSlowConsumer ends a session whose queue stayed at the high-water mark
// for a whole throttle timeout without a single write completing.
var ErrSlowConsumer = errors.New("Slow consumer")

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// outbound is a connection's write pipeline.
//
// Messages are queued by enqueue and written by a single flush goroutine,
// which is started when the first message arrives on an idle queue and exits
// once it has emptied it. Each flush cycle packs as many queued frames as fit
// in the write buffer into one Write, so there is never more than one write in
// flight and frames are written in the order they were queued.
type outbound struct {
	w     deadlineWriter
	codec message.Codec
	stats *Stats

	highWaterMark   int
	throttleTimeout time.Duration
	writeTimeout    time.Duration

	// done is closed when the session is closing, it wakes throttled callers
	done <-chan struct{}

	// onError is called, at most once, when a write or encode fails
	onError func(error)

	flushers sync.WaitGroup

	mu       sync.Mutex
	queue    []*message.Message
	flushing bool
	closed   bool

	// cycle is closed whenever a flush cycle completes and then replaced
	cycle chan struct{}

	// buf is only touched by the flush goroutine
	buf []byte
}

func newOutbound(
	w deadlineWriter,
	cfg sessionConfig,
	stats *Stats,
	done <-chan struct{},
	onError func(error),
) *outbound {
	return &outbound{
		w:               w,
		codec:           cfg.codec,
		stats:           stats,
		highWaterMark:   cfg.highWaterMark,
		throttleTimeout: cfg.throttleTimeout,
		writeTimeout:    cfg.writeTimeout,
		done:            done,
		onError:         onError,
		cycle:           make(chan struct{}),
		buf:             make([]byte, 0, cfg.writeBufferSize),
	}
}

// enqueue queues msg and makes sure a flush is running.
//
// If the queue has reached the high-water mark the caller then waits for one
// flush cycle to complete or the connection to close. A cycle that still
// hasn't completed after the throttle timeout means the reader has stalled, so
// the pipeline fails with ErrSlowConsumer. The queue never grows past the
// high-water mark plus one message per concurrent caller, and no caller waits
// longer than the throttle timeout.
func (o *outbound) enqueue(msg *message.Message) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	o.queue = append(o.queue, msg)

	if !o.flushing {
		o.flushing = true
		o.flushers.Add(1)
		go o.flush()
	}

	pending := len(o.queue)
	cycle := o.cycle
	o.mu.Unlock()

	if o.highWaterMark <= 0 || pending < o.highWaterMark {
		return
	}

	o.stats.throttled.Add(1)

	timer := time.NewTimer(o.throttleTimeout)
	defer timer.Stop()

	select {
	case <-cycle:
	case <-o.done:
	case <-timer.C:
		o.mu.Lock()
		stalled := !o.closed && o.cycle == cycle
		if stalled {
			o.stop()
		}
		o.mu.Unlock()

		if stalled {
			o.onError(ErrSlowConsumer)
		}
	}
}

func (o *outbound) flush() {
	defer o.flushers.Done()

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}

		frames, err := o.fill()
		o.mu.Unlock()

		if err != nil {
			o.fail(err)
			return
		}

		if o.writeTimeout > 0 {
			if err := o.w.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
				o.fail(err)
				return
			}
		}

		if _, err := o.w.Write(o.buf); err != nil {
			o.fail(err)
			return
		}

		o.stats.framesWritten.Add(int64(frames))

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}

		close(o.cycle)
		o.cycle = make(chan struct{})

		if len(o.queue) == 0 {
			o.flushing = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
	}
}

// fill encodes frames from the front of the queue into buf until the next one
// would not fit. If even the first frame doesn't fit, buf is grown to hold it.
// It must be called with mu held.
func (o *outbound) fill() (frames int, err error) {
	o.buf = o.buf[:0]

	for len(o.queue) > 0 {
		body, err := o.codec.Encode(o.queue[0])
		if err != nil {
			return frames, err
		}

		size := protocol.FrameSize(len(body))
		if len(o.buf)+size > cap(o.buf) {
			if frames > 0 {
				break
			}

			o.buf = make([]byte, 0, size)
		}

		o.buf = protocol.AppendFrame(o.buf, body)

		o.queue[0] = nil
		o.queue = o.queue[1:]
		frames++
	}

	if len(o.queue) == 0 {
		o.queue = nil
	}

	return frames, nil
}

// fail stops the pipeline after a write or encode error. Errors after the
// pipeline has already stopped are not reported.
func (o *outbound) fail(err error) {
	o.mu.Lock()
	stopped := o.closed
	o.stop()
	o.mu.Unlock()

	if !stopped {
		o.onError(err)
	}
}

// close stops the pipeline and waits for an in-flight flush to return.
// Messages still queued are dropped.
func (o *outbound) close() {
	o.mu.Lock()
	o.stop()
	o.mu.Unlock()

	o.flushers.Wait()
}

// stop must be called with mu held.
func (o *outbound) stop() {
	if o.closed {
		return
	}

	o.closed = true
	o.flushing = false
	o.queue = nil
	close(o.cycle)
}

func (o *outbound) queueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.queue)
}
