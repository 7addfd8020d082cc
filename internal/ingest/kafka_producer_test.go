package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishLocation(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, locationTopic: "donor-locations"}

	d := models.Donor{ID: "d1", BloodType: bloodtype.ONeg, Loc: models.Coord{Lat: 9, Lng: 38.7}, Available: true}
	require.NoError(t, p.PublishLocation(context.Background(), d))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "donor-locations", w.msgs[0].Topic)
	assert.Equal(t, "d1", string(w.msgs[0].Key))
	var back models.Donor
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &back))
	assert.Equal(t, d.Loc, back.Loc)
	assert.Equal(t, bloodtype.ONeg, back.BloodType)
}

func TestPublish_PropagatesWriterError(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("broker down")}}
	err := p.Publish(context.Background(), "security-events", "k", map[string]string{"a": "b"})
	assert.EqualError(t, err, "broker down")

	err = p.Publish(context.Background(), "security-events", "k", func() {})
	assert.Error(t, err)
}
