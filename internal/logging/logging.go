// Package logging configures logrus and carries request-scoped loggers in a
// context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

// Options configures New.
type Options struct {
	Level       string
	Development bool
	Output      io.Writer
}

// New builds the process logger. Development uses the text formatter,
// everything else logs JSON.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.Development {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, if any.
func FromContext(ctx context.Context) (logrus.FieldLogger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(contextKey{}).(logrus.FieldLogger)
	return logger, ok && logger != nil
}

// GetLogger returns the logger stored in ctx, or the standard logger.
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := FromContext(ctx); ok {
		return logger
	}
	return logrus.StandardLogger()
}

// WithFields adds fields to the logger stored in ctx.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// Detach returns a background context that keeps ctx's logger. Work that
// outlives a request uses it so request cancellation does not reach it.
func Detach(ctx context.Context) context.Context {
	return WithLogger(context.Background(), GetLogger(ctx))
}
