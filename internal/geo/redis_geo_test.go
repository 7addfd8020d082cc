package geo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

func setupRedisGeo(t *testing.T) *RedisGeo {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisGeo(rc, "donors_geo")
}

func TestRedisGeoRoundTripsMetadata(t *testing.T) {
	ctx := context.Background()
	g := setupRedisGeo(t)
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, g.Upsert(ctx, models.Donor{
		ID:                 "d1",
		BloodType:          bloodtype.ONeg,
		Loc:                models.Coord{Lat: -1.2921, Lng: 36.8219},
		Available:          true,
		LocationSharing:    true,
		Rating:             4.5,
		ResponseRate:       0.8,
		AvgResponseMinutes: 20,
		LastDonationAt:     &last,
	}))

	got, err := g.Nearby(ctx, -1.2921, 36.8219, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	d := got[0]
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, bloodtype.ONeg, d.BloodType)
	assert.True(t, d.Available)
	assert.True(t, d.LocationSharing)
	assert.InDelta(t, 4.5, d.Rating, 1e-9)
	assert.InDelta(t, 0.8, d.ResponseRate, 1e-9)
	require.NotNil(t, d.LastDonationAt)
	assert.True(t, last.Equal(*d.LastDonationAt))
	assert.InDelta(t, -1.2921, d.Loc.Lat, 1e-3)
}

func TestRedisGeoExcludesOutsideRadius(t *testing.T) {
	ctx := context.Background()
	g := setupRedisGeo(t)
	require.NoError(t, g.Upsert(ctx, models.Donor{ID: "mombasa", BloodType: bloodtype.OPos, Loc: models.Coord{Lat: -4.0435, Lng: 39.6682}}))

	got, err := g.Nearby(ctx, -1.2921, 36.8219, 50, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
