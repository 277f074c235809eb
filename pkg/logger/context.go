package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// Приватный тип ключа исключает коллизии с другими пакетами.
type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	correlationIDKey ctxKey = "correlation_id"
	loggerKey        ctxKey = "logger"
)

// WithTraceID добавляет trace_id (идентификатор входящего запроса) в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext извлекает trace_id из контекста.
func TraceIDFromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithCorrelationID добавляет correlation_id в контекст.
// Для платёжных событий это идентификатор события провайдера.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext извлекает correlation_id из контекста.
func CorrelationIDFromContext(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// WithLogger кладёт настроенный логгер в контекст.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithFields добавляет поля к логгеру из контекста и возвращает новый контекст.
//
//	ctx = logger.WithFields(ctx, map[string]string{"order_id": id, "provider": "stripe"})
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lctx := loggerOrGlobal(ctx).With()
	for k, v := range fields {
		if v != "" {
			lctx = lctx.Str(k, v)
		}
	}
	return WithLogger(ctx, lctx.Logger())
}

// FromContext возвращает логгер из контекста (или глобальный) с полями
// trace_id и correlation_id, если они есть.
func FromContext(ctx context.Context) zerolog.Logger {
	l := loggerOrGlobal(ctx)

	if traceID := TraceIDFromContext(ctx); traceID != "" {
		l = l.With().Str("trace_id", traceID).Logger()
	}
	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		l = l.With().Str("correlation_id", correlationID).Logger()
	}

	return l
}

func loggerOrGlobal(ctx context.Context) zerolog.Logger {
	if ctxLogger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return ctxLogger
	}
	return log
}

// Ctx возвращает указатель на логгер из контекста (аналог zerolog.Ctx).
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}

// NewContextWithIDs добавляет непустые trace_id и correlation_id.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	if traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}
