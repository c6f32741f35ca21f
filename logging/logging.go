// Package logging configures the process wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Level is one of trace, debug, info, warn or error.
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	// Format is "text" for a console writer or "json".
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	// Output is "stderr", "stdout" or a file path that is appended to.
	Output string `mapstructure:"output"`
}

func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.WriteCloser, error) {
	switch output {
	case "", "stderr":
		return nopCloser{os.Stderr}, nil
	case "stdout":
		return nopCloser{os.Stdout}, nil
	default:
		f, err := os.OpenFile(output, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		return f, nil
	}
}

// Init replaces the global logger. The returned closer releases the log
// file, if any, and must be called after the last log line.
func Init(cfg Config) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	if cfg.Format == "" || cfg.Format == "text" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.Output != "" && cfg.Output != "stderr" && cfg.Output != "stdout"}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if level == zerolog.TraceLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return out, nil
}

// For returns a logger for a specific component.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// zerologWriter wraps zerolog to implement io.Writer for stdlog
type zerologWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w zerologWriter) Write(p []byte) (n int, err error) {
	w.logger.WithLevel(w.level).Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// NewStdLogger routes a standard library logger, as taken by net/http, into
// the component logger at level.
func NewStdLogger(component string, level zerolog.Level) *stdlog.Logger {
	return stdlog.New(zerologWriter{logger: For(component), level: level}, "", 0)
}
