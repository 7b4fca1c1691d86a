// Package logctx wraps logrus the way request-handling code across this
// codebase does: a field-scoped *logrus.Entry threaded through call sites instead of
// the package-level logger, so every log line carries the identifiers
// (fiber_id, room_id, event_id, server_name) relevant to the code path that
// emitted it.
package logctx

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Root is the process-wide base logger; callers may reassign its level,
// formatter, or output before startup.
var Root = logrus.StandardLogger()

// With returns a child logger with the given fields attached.
func With(fields logrus.Fields) *logrus.Entry {
	return Root.WithFields(fields)
}

// WithFiber returns a child logger carrying fiber_id, fiber_name and state
// fields. The fiber scheduler does not call it and logs no state
// transitions of its own.
func WithFiber(fiberID uint64, name, state string) *logrus.Entry {
	return Root.WithFields(logrus.Fields{"fiber_id": fiberID, "fiber_name": name, "state": state})
}

// WithEvent is the VM's standard per-event logging scope.
func WithEvent(roomID, eventID string) *logrus.Entry {
	return Root.WithFields(logrus.Fields{"room_id": roomID, "event_id": eventID})
}

// WithServer is the federation client's standard per-destination scope.
func WithServer(serverName string) *logrus.Entry {
	return Root.WithFields(logrus.Fields{"server_name": serverName})
}

// Into stores a logger in ctx for handlers that thread context.Context
// rather than an explicit logger parameter (HTTP handlers, in particular).
func Into(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, entry)
}

// From retrieves the logger stored by Into, or Root if none was stored.
func From(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
		return e
	}
	return logrus.NewEntry(Root)
}
