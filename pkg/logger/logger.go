// Package logger wraps logrus with the conventions shared by every relay
// component: a component field on each entry, request trace ids carried on
// the context, and a single constructor driven by configuration.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LoggingConfig controls level, format and destination.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger is a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	userIDKey  ctxKey = "user_id"
)

// NewDefault returns an info-level text logger writing to stdout.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{Logger: l, component: component}
}

// New builds a logger from configuration. Unknown levels fall back to info.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(openOutput(cfg))
	return &Logger{Logger: l, component: "relayd"}
}

func openOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "relayd"
		}
		name := prefix + "-" + time.Now().UTC().Format("20060102") + ".log"
		if dir := filepath.Dir(prefix); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

// Named returns a logger sharing configuration but tagged with another component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component reports the component tag.
func (l *Logger) Component() string {
	return l.component
}

// WithField starts an entry carrying the component tag.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.base().WithField(key, value)
}

// WithFields starts an entry with several fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.base().WithFields(logrus.Fields(fields))
}

// WithError starts an entry carrying err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base().WithError(err)
}

// WithContext starts an entry carrying the trace and user ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base()
	if id := GetTraceID(ctx); id != "" {
		entry = entry.WithField("trace_id", id)
	}
	if user := GetUserID(ctx); user != "" {
		entry = entry.WithField("user_id", user)
	}
	return entry
}

// LogRequest records one served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request served")
	}
}

// LogSecurityEvent records authentication and throttling decisions.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields(fields)).WithField("security_event", event).Warn("security event")
}

func (l *Logger) base() *logrus.Entry {
	return logrus.NewEntry(l.Logger).WithField("component", l.component)
}

// NewTraceID returns a fresh request trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace id stored on ctx, if any.
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID stores the authenticated user id for log correlation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the user id stored on ctx, if any.
func GetUserID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
