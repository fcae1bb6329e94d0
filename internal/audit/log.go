// Package audit records authenticated API calls to the structured log and,
// when a publisher is configured, as audit.data events.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// DefaultMessageTTL bounds how long an unconsumed audit event stays queued.
const DefaultMessageTTL = time.Hour

// Publisher hands audit events to the message channel.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Auditor writes audit records.
type Auditor struct {
	log       *zap.Logger
	publisher Publisher
	ttl       time.Duration
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithPublisher also sends every record as an audit.data event.
func WithPublisher(p Publisher) Option {
	return func(a *Auditor) { a.publisher = p }
}

// WithMessageTTL sets the expiration of published audit events. Zero
// publishes without expiration.
func WithMessageTTL(d time.Duration) Option {
	return func(a *Auditor) {
		if d >= 0 {
			a.ttl = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.log = l
		}
	}
}

// New returns an auditor logging through the shared logger.
func New(opts ...Option) *Auditor {
	a := &Auditor{log: obs.Component("audit"), ttl: DefaultMessageTTL}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record logs rec enriched with the request id and publishes it when a
// publisher is configured.
func (a *Auditor) Record(ctx context.Context, rec events.Audit) error {
	ev, err := events.AuditEvent(rec)
	if err != nil {
		return err
	}
	org := ""
	if rec.OrganizationUUID != nil {
		org = *rec.OrganizationUUID
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("method", rec.Method),
		zap.String("action", rec.Action),
		zap.String("endpoint", rec.Endpoint),
		zap.String("username", rec.Username),
		zap.String("organization_uuid", org),
		zap.Strings("roles", rec.Roles),
		zap.Strings("groups", rec.Groups),
		zap.String("status", rec.Status),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	a.log.Info("api call", fields...)

	if a.publisher == nil {
		return nil
	}
	ev.TTL = a.ttl
	if err := a.publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish audit: %w", err)
	}
	return nil
}
