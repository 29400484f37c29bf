package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global zerolog logger. Output goes to stderr.
func SetupLogger(cfg LogConfig) error {
	return setupLogger(cfg, os.Stderr)
}

func setupLogger(cfg LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	default:
		return fmt.Errorf("log.format: unsupported format %q", cfg.Format)
	}
	return nil
}
