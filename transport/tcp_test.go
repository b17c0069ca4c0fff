package transport_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/relay/client"
	"github.com/luma/relay/message"
	"github.com/luma/relay/protocol"
	"github.com/luma/relay/transport"
)

func makeTCPServer(options transport.Options) *transport.TCP {
	options.Host = "127.0.0.1"
	options.Log = zap.NewNop()

	if options.NumListeners == 0 {
		options.NumListeners = 1
	}

	tcp := transport.NewTCP(options)
	Expect(tcp.Start(context.Background())).To(Succeed())

	return tcp
}

func dial(tcp *transport.TCP) *client.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, tcp.Addr().String(), message.ProtoCodec{}, nil)
	Expect(err).To(Succeed())

	return conn
}

// connect dials n clients and waits until the server has registered them all
func connect(tcp *transport.TCP, n int) []*client.Conn {
	before := tcp.Registry().Len()

	conns := make([]*client.Conn, n)
	for i := range conns {
		conns[i] = dial(tcp)
	}

	Eventually(tcp.Registry().Len).Should(Equal(before + n))

	return conns
}

func receive(conn *client.Conn) *message.Message {
	msg, err := conn.ReceiveTimeout(5 * time.Second)
	Expect(err).To(Succeed())
	return msg
}

// waitForClose expects the server to close conn without sending anything
func waitForClose(conn *client.Conn) {
	_, err := conn.ReceiveTimeout(5 * time.Second)
	Expect(err).To(HaveOccurred())

	netErr, ok := err.(net.Error)
	Expect(ok && netErr.Timeout()).To(BeFalse(), "the client was never closed by the server")
}

var _ = Describe("TCP", func() {
	var tcp *transport.TCP

	BeforeEach(func() {
		tcp = makeTCPServer(transport.Options{})
	})

	AfterEach(func() {
		Expect(tcp.Close()).To(Succeed())
	})

	It("listens on the desired address", func() {
		conn, err := net.Dial("tcp", tcp.Addr().String())
		Expect(err).To(Succeed())
		conn.Close()
	})

	It("broadcasts a message to every client including the sender", func() {
		conns := connect(tcp, 2)
		a, b := conns[0], conns[1]
		defer a.Close()
		defer b.Close()

		Expect(a.Send(&message.Message{Text: "hi"})).To(Succeed())

		Expect(receive(a)).To(Equal(&message.Message{Text: "hi"}))
		Expect(receive(b)).To(Equal(&message.Message{Text: "hi"}))
	})

	It("sends back an identical frame", func() {
		conns := connect(tcp, 1)
		a := conns[0]
		defer a.Close()

		frame, err := protocol.AppendMessage(nil, message.ProtoCodec{}, &message.Message{Author: "a", Text: "hi"})
		Expect(err).To(Succeed())

		raw, err := net.Dial("tcp", tcp.Addr().String())
		Expect(err).To(Succeed())
		defer raw.Close()
		Eventually(tcp.Registry().Len).Should(Equal(2))

		Expect(a.SendRaw(frame)).To(Succeed())
		Expect(receive(a)).To(Equal(&message.Message{Author: "a", Text: "hi"}))

		got := make([]byte, len(frame))
		Expect(raw.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		_, err = io.ReadFull(raw, got)
		Expect(err).To(Succeed())
		Expect(got).To(Equal(frame))
	})

	It("reassembles a frame whose prefix and body arrive separately", func() {
		conns := connect(tcp, 2)
		a, b := conns[0], conns[1]
		defer a.Close()
		defer b.Close()

		body, err := message.ProtoCodec{}.Encode(&message.Message{Text: string(bytes.Repeat([]byte("x"), 200))})
		Expect(err).To(Succeed())
		frame := protocol.AppendFrame(nil, body)

		// A 2 byte prefix, then the body
		Expect(a.SendRaw(frame[:2])).To(Succeed())

		_, err = b.ReceiveTimeout(100 * time.Millisecond)
		Expect(err).To(HaveOccurred())

		Expect(a.SendRaw(frame[2:])).To(Succeed())
		Expect(receive(b).Text).To(HaveLen(200))
		Expect(receive(a).Text).To(HaveLen(200))

		_, err = b.ReceiveTimeout(100 * time.Millisecond)
		Expect(err).To(HaveOccurred())
		Expect(tcp.Stats().Received).To(Equal(int64(1)))
	})

	It("closes only the connection that sent an invalid length prefix", func() {
		conns := connect(tcp, 3)
		bad, bystander, sender := conns[0], conns[1], conns[2]
		defer bad.Close()
		defer bystander.Close()
		defer sender.Close()

		Expect(bad.SendRaw(bytes.Repeat([]byte{0xff}, 11))).To(Succeed())
		waitForClose(bad)
		Eventually(tcp.Registry().Len).Should(Equal(2))

		Expect(sender.Send(&message.Message{Text: "still here"})).To(Succeed())
		Expect(receive(bystander)).To(Equal(&message.Message{Text: "still here"}))
		Expect(receive(sender)).To(Equal(&message.Message{Text: "still here"}))

		Eventually(func() int64 { return tcp.Stats().SessionErrors }).Should(Equal(int64(1)))
	})

	It("closes a connection that sends an undecodable message", func() {
		conns := connect(tcp, 2)
		bad, other := conns[0], conns[1]
		defer bad.Close()
		defer other.Close()

		Expect(bad.SendRaw(protocol.AppendFrame(nil, []byte{0xff}))).To(Succeed())
		waitForClose(bad)
		Eventually(tcp.Registry().Len).Should(Equal(1))

		_, err := other.ReceiveTimeout(100 * time.Millisecond)
		Expect(err).To(HaveOccurred())
	})

	It("drops a client that disconnects part way through a frame", func() {
		conns := connect(tcp, 2)
		quitter, other := conns[0], conns[1]
		defer other.Close()

		// Claims 1000 bytes then sends 10
		Expect(quitter.SendRaw(append([]byte{0xe8, 0x07}, make([]byte, 10)...))).To(Succeed())
		Expect(quitter.Close()).To(Succeed())

		Eventually(tcp.Registry().Len).Should(Equal(1))
		Eventually(func() int64 { return tcp.Stats().SessionErrors }).Should(Equal(int64(1)))

		Expect(other.Send(&message.Message{Text: "anyone?"})).To(Succeed())
		Expect(receive(other)).To(Equal(&message.Message{Text: "anyone?"}))
	})

	It("removes clients that disconnect cleanly", func() {
		conns := connect(tcp, 2)
		defer conns[1].Close()

		Expect(conns[0].Close()).To(Succeed())
		Eventually(tcp.Registry().Len).Should(Equal(1))
		Expect(tcp.Stats().SessionErrors).To(Equal(int64(0)))
	})

	It("delivers each client's messages in the order they were sent", func() {
		conns := connect(tcp, 3)
		for _, conn := range conns {
			defer conn.Close()
		}

		const count = 100

		// Everyone sends and everyone reads, concurrently
		for i, conn := range conns {
			go func(i int, conn *client.Conn) {
				defer GinkgoRecover()
				for n := 0; n < count; n++ {
					Expect(conn.Send(&message.Message{Author: fmt.Sprint(i), Text: fmt.Sprint(n)})).To(Succeed())
				}
			}(i, conn)
		}

		for _, conn := range conns {
			next := map[string]int{}
			for n := 0; n < count*len(conns); n++ {
				msg := receive(conn)
				Expect(msg.Text).To(Equal(fmt.Sprint(next[msg.Author])))
				next[msg.Author]++
			}
		}

		Eventually(func() int64 { return tcp.Stats().Received }).Should(Equal(int64(count * len(conns))))
		Eventually(func() int64 { return tcp.Stats().Delivered }).Should(Equal(int64(count * len(conns) * len(conns))))
	})

	It("closes every client on Close", func() {
		conns := connect(tcp, 2)
		for _, conn := range conns {
			defer conn.Close()
		}

		Expect(tcp.Close()).To(Succeed())

		for _, conn := range conns {
			waitForClose(conn)
		}
		Expect(tcp.Registry().Len()).To(Equal(0))

		_, err := net.DialTimeout("tcp", tcp.Addr().String(), time.Second)
		Expect(err).To(HaveOccurred())
	})

	It("fails to start on an address that is already in use", func() {
		port := tcp.Addr().(*net.TCPAddr).Port

		other := transport.NewTCP(transport.Options{Host: "127.0.0.1", Port: port, Log: zap.NewNop()})
		Expect(other.Start(context.Background())).NotTo(Succeed())
	})

	Describe("with SO_REUSEPORT", func() {
		It("accepts on several listeners sharing one port", func() {
			multi := makeTCPServer(transport.Options{Reuseport: true, NumListeners: 3})
			defer func() {
				Expect(multi.Close()).To(Succeed())
			}()

			conns := connect(multi, 6)
			for _, conn := range conns {
				defer conn.Close()
			}

			Expect(conns[5].Send(&message.Message{Text: "everyone"})).To(Succeed())
			for _, conn := range conns {
				Expect(receive(conn)).To(Equal(&message.Message{Text: "everyone"}))
			}

			Expect(multi.Stats().Accepted).To(Equal(int64(6)))
		})
	})

	Describe("with the json codec", func() {
		It("broadcasts json frames", func() {
			jsonTCP := makeTCPServer(transport.Options{Codec: message.JSONCodec{}})
			defer func() {
				Expect(jsonTCP.Close()).To(Succeed())
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := client.Dial(ctx, jsonTCP.Addr().String(), message.JSONCodec{}, nil)
			Expect(err).To(Succeed())
			defer conn.Close()
			Eventually(jsonTCP.Registry().Len).Should(Equal(1))

			Expect(conn.SendRaw(protocol.AppendFrame(nil, []byte(`{"author":"j","text":"son"}`)))).To(Succeed())
			Expect(receive(conn)).To(Equal(&message.Message{Author: "j", Text: "son"}))
		})
	})
})
