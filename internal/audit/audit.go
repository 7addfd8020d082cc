// Package audit records security events: authentication failures,
// authorization denials and rate limit hits.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/logging"
	"github.com/example/bloodlink/internal/observability"
	"github.com/example/bloodlink/internal/policy"
)

type EventType string

const (
	AuthenticationFailed EventType = "authentication_failed"
	AuthorizationDenied  EventType = "authorization_denied"
	RateLimited          EventType = "rate_limited"
	TokenRevoked         EventType = "token_revoked"
)

type Event struct {
	Type       EventType `json:"type"`
	ActorID    string    `json:"actor_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Action     string    `json:"action,omitempty"`
	Target     string    `json:"target,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RemoteIP   string    `json:"remote_ip,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

type Logger struct {
	log   *zap.Logger
	pub   Publisher
	topic string
	now   func() time.Time
}

// New returns a Logger. pub may be nil, in which case events only go to
// the log.
func New(logger *zap.Logger, pub Publisher, topic string) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{log: logger.Named("security"), pub: pub, topic: topic, now: time.Now}
}

// Record logs e at warn level and forwards it to the event bus. Publishing
// failures are logged and never surface to the caller.
func (l *Logger) Record(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = logging.RequestID(ctx)
	}
	observability.SecurityEventsTotal.WithLabelValues(string(e.Type)).Inc()
	l.log.Warn("security event",
		zap.String("event_type", string(e.Type)),
		zap.String("actor_id", e.ActorID),
		zap.String("role", e.Role),
		zap.String("action", e.Action),
		zap.String("target", e.Target),
		zap.String("reason", e.Reason),
		zap.String("remote_ip", e.RemoteIP),
		zap.String("request_id", e.RequestID),
	)
	if l.pub == nil || l.topic == "" {
		return
	}
	// detached so a cancelled request still gets its event published
	pubCtx := context.WithoutCancel(ctx)
	if err := l.pub.Publish(pubCtx, l.topic, string(e.Type), e); err != nil {
		l.log.Error("publish security event failed", zap.String("event_type", string(e.Type)), zap.Error(err))
	}
}

// Denied records an authorization denial.
func (l *Logger) Denied(ctx context.Context, actor policy.Actor, action policy.Action, target, reason string) {
	l.Record(ctx, Event{
		Type:    AuthorizationDenied,
		ActorID: actor.ID,
		Role:    string(actor.Role),
		Action:  string(action),
		Target:  target,
		Reason:  reason,
	})
}
