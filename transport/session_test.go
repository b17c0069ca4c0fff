package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/client"
	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
	"github.com/luma/relay/transport"
)

var _ = Describe("Session", func() {
	var (
		registry   *transport.Registry
		serverSide net.Conn
		clientSide net.Conn
		session    *transport.Session
		cancel     context.CancelFunc
		result     chan error
	)

	run := func(options transport.Options) {
		session = transport.NewSession(1, serverSide, registry, options, nil, nil)
		registry.Add(session)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		go func() {
			result <- session.Run(ctx)
		}()
	}

	BeforeEach(func() {
		registry = transport.NewRegistry()
		serverSide, clientSide = net.Pipe()
		result = make(chan error, 1)
	})

	AfterEach(func() {
		cancel()
		clientSide.Close()
	})

	It("echoes messages back to the sender", func() {
		run(transport.Options{})
		conn := client.New(clientSide, message.ProtoCodec{}, nil)

		go func() {
			defer GinkgoRecover()
			Expect(conn.Send(&message.Message{Text: "echo"})).To(Succeed())
		}()

		Expect(conn.ReceiveTimeout(5 * time.Second)).To(Equal(&message.Message{Text: "echo"}))
	})

	It("ends cleanly when the context is cancelled", func() {
		run(transport.Options{})
		Expect(registry.Len()).To(Equal(1))

		cancel()

		Eventually(result).Should(Receive(BeNil()))
		Expect(registry.Len()).To(Equal(0))
	})

	It("ends cleanly when the client disconnects", func() {
		run(transport.Options{})

		Expect(clientSide.Close()).To(Succeed())

		Eventually(result).Should(Receive(BeNil()))
		Expect(registry.Len()).To(Equal(0))
	})

	It("ends with a framing error for a malformed length prefix", func() {
		run(transport.Options{})

		go func() {
			_, _ = clientSide.Write(bytes.Repeat([]byte{0x80}, 11))
		}()

		var err error
		Eventually(result).Should(Receive(&err))
		Expect(errors.Is(err, protocol.ErrFraming)).To(BeTrue())
		Expect(registry.Len()).To(Equal(0))
	})

	It("ends with a decode error for an undecodable body", func() {
		run(transport.Options{})

		go func() {
			_, _ = clientSide.Write(protocol.AppendFrame(nil, []byte{0x00}))
		}()

		var err error
		Eventually(result).Should(Receive(&err))

		var decodeErr *protocol.DecodeError
		Expect(errors.As(err, &decodeErr)).To(BeTrue())
	})

	It("ends with the write error when the client stops reading", func() {
		run(transport.Options{WriteTimeout: 20 * time.Millisecond})

		// Nobody reads clientSide, so the write times out
		session.Deliver(&message.Message{Text: "unread"})

		var err error
		Eventually(result).Should(Receive(&err))
		Expect(errors.Is(err, os.ErrDeadlineExceeded)).To(BeTrue())
		Expect(registry.Len()).To(Equal(0))
	})

	It("drops itself when the client stalls with a full queue", func() {
		run(transport.Options{HighWaterMark: 1, ThrottleTimeout: 20 * time.Millisecond})

		delivered := make(chan struct{})
		go func() {
			session.Deliver(&message.Message{Text: "unread"})
			close(delivered)
		}()

		Eventually(delivered, "1s").Should(BeClosed())

		var err error
		Eventually(result).Should(Receive(&err))
		Expect(err).To(MatchError(transport.ErrSlowConsumer))
		Expect(registry.Len()).To(Equal(0))
	})

	It("ignores deliveries after it has closed", func() {
		run(transport.Options{})

		Expect(session.Close()).To(Succeed())
		Eventually(result).Should(Receive(BeNil()))

		session.Deliver(&message.Message{Text: "too late"})
		Expect(session.Close()).To(Succeed())
	})
})
