package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string
}

// Init configures zerolog globals and returns the base logger.
func Init(cfg Config) zerolog.Logger {
	return InitWithWriter(cfg, os.Stderr)
}

func InitWithWriter(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format, out)
	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}
	logger := builder.Logger()
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		return out
	}
}
