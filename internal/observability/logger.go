package observability

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// Logger is created once at startup and shared by every component. It needs
// no teardown.
type Logger struct {
	base *logrus.Logger
}

func NewLogger(options Options) *Logger {
	base := logrus.New()

	output := options.Output
	if output == nil {
		output = os.Stdout
	}
	base.SetOutput(output)

	switch strings.ToLower(strings.TrimSpace(options.Format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(options.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{base: base}
}

// NopLogger discards everything. Used by tests and by components built
// without a logger.
func NopLogger() *Logger {
	return NewLogger(Options{Output: io.Discard, Level: "panic"})
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.entry(fields).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.entry(fields).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.entry(fields).Error(message)
}

func (l *Logger) entry(fields map[string]any) *logrus.Entry {
	if l == nil || l.base == nil {
		return logrus.NewEntry(discard)
	}
	return l.base.WithFields(logrus.Fields(fields))
}

var discard = func() *logrus.Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return base
}()
