package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luma/relay/client"
	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/message"
)

var (
	sendAddr   string
	sendAuthor string
	sendCodec  string
	sendCount  int
)

func init() {
	flags := SendCmd.Flags()

	flags.StringVar(&sendAddr, "addr", "127.0.0.1:7363", "The relay server to connect to")
	flags.StringVar(&sendAuthor, "author", "", "The author to send messages as, defaults to $USER")
	flags.StringVar(&sendCodec, "codec", "proto", "The message codec the server uses, proto or json")
	flags.IntVarP(&sendCount, "count", "n", 0, "Exit after receiving this many broadcasts, 0 waits until interrupted")
}

var SendCmd = &cobra.Command{
	Use:   "send [TEXT...]",
	Short: "Send messages to a relay server and print broadcasts",
	Long: `Connect to a relay server, send one message per argument, then print
every broadcast received until interrupted.

Usage
	relay send --addr 127.0.0.1:7363 hello world
	relay send -n 1 ping
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		codec, err := message.CodecByName(sendCodec)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger("warn", "console")
		if err != nil {
			return err
		}

		author := sendAuthor
		if author == "" {
			author = os.Getenv("USER")
		}

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := client.Dial(dialCtx, sendAddr, codec, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		group, child := errgroup.WithContext(ctx)

		// Closing the connection is the only way to interrupt a blocked Receive
		group.Go(func() error {
			<-child.Done()
			return conn.Close()
		})

		group.Go(func() error {
			for _, text := range args {
				msg := &message.Message{
					Author: author,
					Text:   text,
					SentAt: time.Now().UnixNano() / int64(time.Millisecond),
				}

				if err := conn.Send(msg); err != nil {
					if child.Err() != nil {
						return nil
					}
					return err
				}
			}

			return nil
		})

		group.Go(func() error {
			out := cmd.OutOrStdout()

			for received := 0; sendCount == 0 || received < sendCount; received++ {
				msg, err := conn.Receive()
				if err != nil {
					if child.Err() != nil {
						return nil
					}

					if errors.Is(err, io.EOF) {
						fmt.Fprintln(cmd.ErrOrStderr(), "Server closed the connection")
						return errDone
					}

					return err
				}

				fmt.Fprintln(out, msg)
			}

			return errDone
		})

		if err := group.Wait(); err != nil && !errors.Is(err, errDone) {
			return err
		}

		return nil
	},
}

// errDone stops the errgroup once the receive loop has finished
var errDone = errors.New("done")
