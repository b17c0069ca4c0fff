package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/relay/message"
	"github.com/luma/relay/transport"
)

type Config struct {
	DebugHTTP bool `env:"RELAY_DEBUG_HTTP"`

	LogLevel  string `env:"RELAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"RELAY_LOG_FORMAT,default=json"`

	Codec string `env:"RELAY_CODEC,default=proto"`

	HighWaterMark   int           `env:"RELAY_HIGH_WATER_MARK,default=64"`
	ThrottleTimeout time.Duration `env:"RELAY_THROTTLE_TIMEOUT,default=500ms"`
	ReadBuffer      int           `env:"RELAY_READ_BUFFER,default=4096"`
	WriteBuffer     int           `env:"RELAY_WRITE_BUFFER,default=4096"`
	MaxFrame        int           `env:"RELAY_MAX_FRAME,default=4194304"`
	WriteTimeout    time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return ProcessConfig(ctx, envconfig.OsLookuper())
}

// ProcessConfig fills a Config from the given lookuper, used directly by
// tests.
func ProcessConfig(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return nil, err
	}

	return &config, nil
}

// TransportOptions builds the session related transport options. Host, port
// and listener count come from the command line.
func (c *Config) TransportOptions() (transport.Options, error) {
	codec, err := message.CodecByName(c.Codec)
	if err != nil {
		return transport.Options{}, err
	}

	return transport.Options{
		Codec:           codec,
		HighWaterMark:   c.HighWaterMark,
		ThrottleTimeout: c.ThrottleTimeout,
		ReadBufferSize:  c.ReadBuffer,
		WriteBufferSize: c.WriteBuffer,
		MaxFrameSize:    c.MaxFrame,
		WriteTimeout:    c.WriteTimeout,
	}, nil
}
