package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/models"
)

// fakeUpdater fails the first failGeo GeoAdd and failH HSet calls.
type fakeUpdater struct {
	failGeo  int
	failH    int
	geoCalls int
	hCalls   int
	geoKey   string
}

func (f *fakeUpdater) GeoAdd(_ context.Context, key string, _ *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(_ context.Context, _ string, _ map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func donor() models.Donor {
	return models.Donor{
		ID: "d1", BloodType: bloodtype.ONeg, Loc: models.Coord{Lat: 9.01, Lng: 38.76},
		Available: true, LocationSharing: true, Rating: 4.5, ResponseRate: 0.8,
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "donors_geo", donor(), 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.Equal(t, "donors_geo", f.geoKey)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := updateRedisWithRetry(context.Background(), f, "donors_geo", donor(), 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, updateRedisWithRetry(ctx, f, "donors_geo", donor(), 3, time.Second))
	assert.Equal(t, 1, f.geoCalls)
}

func TestDecodeLocation(t *testing.T) {
	d, err := decodeLocation([]byte(`{"id":"d1","blood_type":"O-","loc":{"lat":9.01,"lng":38.76},"available":true}`))
	require.NoError(t, err)
	assert.Equal(t, bloodtype.ONeg, d.BloodType)

	_, err = decodeLocation([]byte(`{"loc":{"lat":9,"lng":38}}`))
	assert.Error(t, err)
	_, err = decodeLocation([]byte(`{"id":"d1","loc":{"lat":120,"lng":38}}`))
	assert.Error(t, err)
	_, err = decodeLocation([]byte(`not json`))
	assert.Error(t, err)
}

// The consumer writes the layout RedisGeo reads back.
func TestConsumerWritesReadableGeoEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	ctx := context.Background()

	require.NoError(t, updateRedisWithRetry(ctx, &redisAdapter{c: rc}, "donors_geo", donor(), 1, time.Millisecond))

	got, err := geo.NewRedisGeo(rc, "donors_geo").Nearby(ctx, 9.0, 38.76, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)
	assert.Equal(t, bloodtype.ONeg, got[0].BloodType)
	assert.True(t, got[0].Available)
	assert.InDelta(t, 4.5, got[0].Rating, 1e-9)
}
