package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/bloodlink/internal/logging"
	"github.com/example/bloodlink/internal/policy"
)

type captured struct {
	topic, key string
	event      Event
}

type fakePublisher struct {
	got []captured
	err error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, v any) error {
	f.got = append(f.got, captured{topic, key, v.(Event)})
	return f.err
}

func TestDenied_LogsAndPublishes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &fakePublisher{}
	l := New(zap.New(core), pub, "security-events")
	l.now = func() time.Time { return time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC) }

	ctx := logging.WithRequestID(context.Background(), "req-7")
	l.Denied(ctx, policy.Actor{ID: "d1", Role: policy.RoleDonor}, policy.ActionRequestTransition, "r1", "not the creator")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "security event", entry.Message)
	assert.Equal(t, "authorization_denied", entry.ContextMap()["event_type"])
	assert.Equal(t, "req-7", entry.ContextMap()["request_id"])

	require.Len(t, pub.got, 1)
	assert.Equal(t, "security-events", pub.got[0].topic)
	assert.Equal(t, "authorization_denied", pub.got[0].key)
	assert.Equal(t, "d1", pub.got[0].event.ActorID)
	assert.Equal(t, "request.transition", pub.got[0].event.Action)
	assert.False(t, pub.got[0].event.OccurredAt.IsZero())
}

func TestRecord_PublishFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core), &fakePublisher{err: errors.New("no broker")}, "security-events")

	l.Record(context.Background(), Event{Type: RateLimited, RemoteIP: "10.0.0.1"})
	assert.Equal(t, 1, logs.FilterMessage("publish security event failed").Len())
}

func TestRecord_WithoutPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := New(zap.New(core), nil, "")
	l.Record(context.Background(), Event{Type: AuthenticationFailed, Reason: "expired token"})
	assert.Equal(t, 1, logs.Len())
}
