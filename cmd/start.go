package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on, empty disables the HTTP server
	httpPort string

	// The port to listen for tcp clients on
	port int

	// How many OS threads may run Go code at once, 0 leaves the Go default
	workers int

	// How many SO_REUSEPORT listeners to accept on
	listeners int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen client connections on")
	flags.IntVarP(&workers, "workers", "w", 0, "The number of worker threads, defaults to the number of CPUs")
	flags.IntVar(&listeners, "listeners", 1, "The number of listening sockets to accept connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on, empty to disable")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var StartCmd = &cobra.Command{
	Use:   "start [PORT [WORKERS]]",
	Short: "Start the relay server",
	Long: `Start the relay server

Usage
	relay start
	relay start 7363 8

PORT and WORKERS may be given as arguments instead of flags, arguments win.
Runs until interrupted.
`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if err := parseStartArgs(args); err != nil {
			return err
		}

		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel, conf.LogFormat)
		if err != nil {
			return err
		}
		defer func() {
			_ = log.Sync()
		}()

		if workers > 0 {
			runtime.GOMAXPROCS(workers)
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			log.Warn("Failed to raise file limit", zap.Error(err))
		} else {
			log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))
		}

		options, err := conf.TransportOptions()
		if err != nil {
			return err
		}

		options.Host = host
		options.Port = port
		options.Reuseport = listeners > 1
		options.NumListeners = listeners
		options.Log = log.Named("transport")

		tcp := transport.NewTCP(options)

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		var s *http.Server
		if httpPort != "" {
			s = &http.Server{
				Addr:    net.JoinHostPort(host, httpPort),
				Handler: setupRouter(conf.DebugHTTP, tcp, log),
			}

			// Initializing the server in a goroutine so that
			// it won't block the graceful shutdown handling below
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", host),
			zap.Int("port", port),
			zap.Int("workers", runtime.GOMAXPROCS(0)),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if s != nil {
			// The context is used to inform the server it has 5 seconds to finish
			// the request it is currently handling
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(ctx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server did not shut down cleanly", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// parseStartArgs applies the positional PORT and WORKERS arguments and checks
// the resulting values.
func parseStartArgs(args []string) (err error) {
	if len(args) > 0 {
		if port, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("Invalid port '%s': %w", args[0], err)
		}
	}

	if len(args) > 1 {
		if workers, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("Invalid worker count '%s': %w", args[1], err)
		}
	}

	if port < 0 || port > 65535 {
		return fmt.Errorf("Invalid port %d, must be between 0 and 65535", port)
	}

	if workers < 0 {
		return fmt.Errorf("Invalid worker count %d, must not be negative", workers)
	}

	if listeners < 1 {
		return fmt.Errorf("Invalid listener count %d, must be at least 1", listeners)
	}

	return nil
}

func setupRouter(debugHTTP bool, tcp *transport.TCP, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, tcp.Stats())
	})

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
