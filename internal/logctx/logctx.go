// Package logctx threads a structured logger through a context.Context,
// the same way the agent threads deadlines and cancellation.
package logctx

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerKey contextKey = "agent_logger"
const requestIDKey contextKey = "agent_request_id"

// WithLogger returns a child context carrying l.
func WithLogger(ctx context.Context, l logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// From returns the logger stored in ctx, or the standard logger if none was set.
func From(ctx context.Context) logrus.FieldLogger {
	l, ok := ctx.Value(loggerKey).(logrus.FieldLogger)
	if !ok {
		return logrus.StandardLogger()
	}
	return l
}

// WithRequestID stores a request id on the context and returns a logger
// (and the context carrying it) with the id attached as a field.
func WithRequestID(ctx context.Context, requestID string) (context.Context, logrus.FieldLogger) {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	l := From(ctx).WithField("request_id", requestID)
	return WithLogger(ctx, l), l
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithFields returns a child context whose logger has the given fields added.
func WithFields(ctx context.Context, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	l := From(ctx).WithFields(fields)
	return WithLogger(ctx, l), l
}

// Configure sets the process-wide default logrus formatter and level. It
// mirrors the teacher's text/json split but drops syslog/udp/tcp log
// destinations, which this agent's deployment model (container stdout
// scraped by the orchestrator) never needs.
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
