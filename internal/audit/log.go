package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"keyline.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	tenantIDKey  ctxKey = "audit_tenant_id"
	subjectKey   ctxKey = "audit_subject"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithTenant records the tenant a request operates on.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return withValue(ctx, tenantIDKey, tenantID)
}

// WithSubject records the authenticated caller (user id or client id).
func WithSubject(ctx context.Context, subject string) context.Context {
	return withValue(ctx, subjectKey, subject)
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	v = strings.TrimSpace(v)
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func fromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// RequestID returns the request id stored by WithRequestID.
func RequestID(ctx context.Context) string { return fromContext(ctx, requestIDKey) }

// LogEvent writes an audit log entry enriched with request, tenant and subject.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	e := obs.Logger().Info().
		Str("type", "audit").
		Str("event", event).
		Time("ts", time.Now().UTC())
	if rid := fromContext(ctx, requestIDKey); rid != "" {
		e = e.Str("request_id", rid)
	}
	if tid := fromContext(ctx, tenantIDKey); tid != "" {
		e = e.Str("tenant_id", tid)
	}
	if sub := fromContext(ctx, subjectKey); sub != "" {
		e = e.Str("subject", sub)
	}
	e.Interface("fields", copied).Msg(event)
	return nil
}
