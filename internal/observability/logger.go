package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	base zerolog.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{base: base}
}

// Nop discards everything; used where a logger is optional.
func Nop() *Logger {
	return &Logger{base: zerolog.Nop()}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(zerolog.InfoLevel, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(zerolog.WarnLevel, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(zerolog.ErrorLevel, message, fields)
}

func (l *Logger) write(level zerolog.Level, message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.WithLevel(level).Fields(fields).Msg(message)
}
