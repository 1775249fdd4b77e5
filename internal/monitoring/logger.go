package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
}

// NewLogger builds the process logger. JSON output by default; pretty
// console output for local development. Components derive child loggers
// with logger.With().Str("component", ...).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "pelotond").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and lets the
// goroutine exit without taking the process down. Use in the defer block
// of every long-lived goroutine.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}

// DropSampler rate-limits log lines on hot drop paths: Allow reports true
// on the first and every nth occurrence, and the running total is attached
// to the sampled line.
type DropSampler struct {
	n     int64
	count atomic.Int64
}

func NewDropSampler(n int) *DropSampler {
	if n < 1 {
		n = 1
	}
	return &DropSampler{n: int64(n)}
}

// Allow increments the counter and reports whether this occurrence should
// be logged. The returned total is the count so far including this one.
func (s *DropSampler) Allow() (bool, int64) {
	total := s.count.Add(1)
	return total == 1 || total%s.n == 0, total
}

func (s *DropSampler) Total() int64 {
	return s.count.Load()
}
