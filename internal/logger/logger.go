// Package logger provides the package-level structured logger used across tradeforge.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && os.Getenv("LOG_LEVEL") != "" {
		level = lv
	}

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	if os.Getenv("LOG_FORMAT") == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
		return
	}
	log = zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

// Info logs a message at info level.
func Info(args ...interface{}) {
	log.Info().Msg(sprint(args...))
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

// WithField returns a child logger annotated with one structured field, for call sites that
// need to correlate a run of log lines (worker tick id, strategy id) without formatting it into
// every message.
func WithField(key string, value interface{}) zerolog.Logger {
	return log.With().Interface(key, value).Logger()
}

func sprint(args ...interface{}) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(args...)
}
