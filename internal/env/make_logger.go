package env

import (
	"fmt"

	zap "go.uber.org/zap"
)

// MakeLogger builds the process logger. level is any zap level name, format
// is "json" or "console".
func MakeLogger(level, format string) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("Invalid log level '%s': %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = atomicLevel

	switch format {
	case "", "json":
		logConfig.Encoding = "json"
	case "console":
		logConfig.Encoding = "console"
		logConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("Invalid log format '%s'", format)
	}

	return logConfig.Build()
}
