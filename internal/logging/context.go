// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	compileKey       contextKey = "compile"
	loggerKey        contextKey = "logger"
)

// CompileFields identifies the compile a log line belongs to.
type CompileFields struct {
	ProjectID string
	UserID    string
	BuildID   string
}

// GenerateCorrelationID returns the first 8 characters of a UUID.
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID returns a new context carrying id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithNewCorrelationID returns a context with a freshly generated correlation ID.
func ContextWithNewCorrelationID(ctx context.Context) context.Context {
	return ContextWithCorrelationID(ctx, GenerateCorrelationID())
}

// CorrelationIDFromContext returns the correlation ID, or "" if none is set.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithCompile attaches project, user and build identifiers that Ctx
// adds to every event. Empty fields are omitted. A later call merges over
// earlier values, so the build id can be added once it is known.
func ContextWithCompile(ctx context.Context, f CompileFields) context.Context {
	if prev, ok := ctx.Value(compileKey).(CompileFields); ok {
		if f.ProjectID == "" {
			f.ProjectID = prev.ProjectID
		}
		if f.UserID == "" {
			f.UserID = prev.UserID
		}
		if f.BuildID == "" {
			f.BuildID = prev.BuildID
		}
	}
	return context.WithValue(ctx, compileKey, f)
}

// ContextWithLogger stores a logger in the context.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the stored logger or the global one.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger with the context's correlation and compile fields added.
//
//	logging.Ctx(ctx).Info().Msg("resources synced")
func Ctx(ctx context.Context) *zerolog.Logger {
	lc := LoggerFromContext(ctx).With()

	if id := CorrelationIDFromContext(ctx); id != "" {
		lc = lc.Str("correlation_id", id)
	}
	if f, ok := ctx.Value(compileKey).(CompileFields); ok {
		if f.ProjectID != "" {
			lc = lc.Str("project_id", f.ProjectID)
		}
		if f.UserID != "" {
			lc = lc.Str("user_id", f.UserID)
		}
		if f.BuildID != "" {
			lc = lc.Str("build_id", f.BuildID)
		}
	}

	l := lc.Logger()
	return &l
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
