package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if alertKey := AlertKeyFromContext(ctx); alertKey != "" {
		fields = append(fields, zap.String("alert.dedupe_key", alertKey))
	}
	if recordID := RecordIDFromContext(ctx); recordID != 0 {
		fields = append(fields, zap.Int64("record.id", recordID))
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if persona := PersonaFromContext(ctx); persona != "" {
		fields = append(fields, zap.String("persona", persona))
	}

	return fields
}

// Context key types
type alertKeyCtxKey struct{}
type recordIDCtxKey struct{}
type runIDCtxKey struct{}
type personaCtxKey struct{}
type loggerCtxKey struct{}

// WithAlertKey adds the alert dedupe key to context.
func WithAlertKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, alertKeyCtxKey{}, key)
}

// AlertKeyFromContext extracts the alert dedupe key from context.
func AlertKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(alertKeyCtxKey{}).(string); ok {
		return k
	}
	return ""
}

// WithRecordID adds the tracking record id to context.
func WithRecordID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, recordIDCtxKey{}, id)
}

// RecordIDFromContext extracts the tracking record id from context.
func RecordIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(recordIDCtxKey{}).(int64); ok {
		return id
	}
	return 0
}

// WithRunID adds the workflow run id to context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, id)
}

// RunIDFromContext extracts the workflow run id from context.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithPersona adds the persona name to context.
func WithPersona(ctx context.Context, persona string) context.Context {
	return context.WithValue(ctx, personaCtxKey{}, persona)
}

// PersonaFromContext extracts the persona name from context.
func PersonaFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(personaCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
