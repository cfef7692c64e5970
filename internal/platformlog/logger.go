// Package platformlog provides structured logging with trace/actor
// propagation, shared by every component of the process engine.
package platformlog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values carried into log entries.
type ContextKey string

const (
	// ExecutionIDKey is the context key for the current execution id.
	ExecutionIDKey ContextKey = "execution_id"
	// ActorKey is the context key for the acting user/agent id.
	ActorKey ContextKey = "actor"
)

// Logger wraps logrus.Logger with a fixed "component" field and
// context-aware entry construction.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component using the given level/format.
// format is "json" or "text"; unset or unrecognized values default to text.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json for production-shaped deployments.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns a log entry enriched with any execution id / actor
// carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if execID := ctx.Value(ExecutionIDKey); execID != nil {
		entry = entry.WithField("execution_id", execID)
	}
	if actor := ctx.Value(ActorKey); actor != nil {
		entry = entry.WithField("actor", actor)
	}
	return entry
}

// WithExecution attaches an execution id to ctx for downstream logging.
func WithExecution(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithActor attaches an actor id to ctx for downstream logging.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}
