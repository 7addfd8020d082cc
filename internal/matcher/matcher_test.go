package matcher

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/models"
)

type fakeGeo struct{ donors []models.Donor }

func (f *fakeGeo) Nearby(context.Context, float64, float64, float64, int) ([]models.Donor, error) {
	return f.donors, nil
}

var nairobi = models.Coord{Lat: -1.2921, Lng: 36.8219}

func donor(id string, bt bloodtype.Type, loc models.Coord) models.Donor {
	return models.Donor{ID: id, BloodType: bt, Loc: loc, Available: true, LocationSharing: true, ResponseRate: 0.5, AvgResponseMinutes: 30, Rating: 4}
}

func TestNeverReturnsIncompatibleDonors(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		var donors []models.Donor
		for j := 0; j < 20; j++ {
			d := donor(string(rune('a'+j)), bloodtype.All[r.Intn(len(bloodtype.All))], models.Coord{
				Lat: nairobi.Lat + (r.Float64()-0.5)*0.1,
				Lng: nairobi.Lng + (r.Float64()-0.5)*0.1,
			})
			donors = append(donors, d)
		}
		want := bloodtype.All[r.Intn(len(bloodtype.All))]
		s := &Service{Geo: &fakeGeo{donors: donors}}
		got, err := s.FindMatches(context.Background(), Query{BloodType: want, Urgency: models.UrgencyNormal, Location: nairobi})
		require.NoError(t, err)
		for _, m := range got {
			assert.True(t, m.Donor.BloodType.CanDonateTo(want), "%s matched for %s", m.Donor.BloodType, want)
		}
	}
}

func TestNoCompatibleDonorReturnsEmptyList(t *testing.T) {
	s := &Service{Geo: &fakeGeo{donors: []models.Donor{
		donor("1", bloodtype.OPos, nairobi),
		donor("2", bloodtype.APos, nairobi),
		donor("3", bloodtype.ABPos, nairobi),
	}}}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.ABNeg, Location: nairobi})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFiltersAvailabilitySharingAndRadius(t *testing.T) {
	unavailable := donor("unavailable", bloodtype.ONeg, nairobi)
	unavailable.Available = false
	hidden := donor("hidden", bloodtype.ONeg, nairobi)
	hidden.LocationSharing = false
	far := donor("far", bloodtype.ONeg, models.Coord{Lat: -1.0, Lng: 37.2})
	ok := donor("ok", bloodtype.ONeg, nairobi)

	s := &Service{Geo: &fakeGeo{donors: []models.Donor{unavailable, hidden, far, ok}}}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.ONeg, Urgency: models.UrgencyNormal, Location: nairobi})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Donor.ID)
	assert.Equal(t, 1.0, got[0].CompatibilityScore)
	assert.Equal(t, 0.0, got[0].DistanceKm)
}

func TestEmergencyWidensRadiusAndRelaxesRating(t *testing.T) {
	far := donor("far", bloodtype.OPos, models.Coord{Lat: -1.0, Lng: 37.2}) // ~53km
	low := donor("low", bloodtype.OPos, nairobi)
	low.Rating = 1.5
	s := &Service{Geo: &fakeGeo{donors: []models.Donor{far, low}}}

	normal, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.OPos, Urgency: models.UrgencyNormal, Location: nairobi})
	require.NoError(t, err)
	assert.Empty(t, normal)

	emergency, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.OPos, Urgency: models.UrgencyEmergency, Location: nairobi})
	require.NoError(t, err)
	assert.Len(t, emergency, 2)
}

func TestRankingPrefersCloserAndResponsiveDonors(t *testing.T) {
	near := donor("near", bloodtype.APos, models.Coord{Lat: -1.2925, Lng: 36.8220})
	mid := donor("mid", bloodtype.APos, models.Coord{Lat: -1.33, Lng: 36.86})
	slow := donor("slow", bloodtype.APos, models.Coord{Lat: -1.2925, Lng: 36.8220})
	slow.AvgResponseMinutes = 120
	slow.ResponseRate = 0.1

	s := &Service{Geo: &fakeGeo{donors: []models.Donor{mid, slow, near}}}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.APos, Location: nairobi})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "near", got[0].Donor.ID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestTiesBrokenByRatingThenID(t *testing.T) {
	a := donor("b-donor", bloodtype.ONeg, nairobi)
	b := donor("a-donor", bloodtype.ONeg, nairobi)
	c := donor("c-donor", bloodtype.ONeg, nairobi)
	c.Rating = 5
	s := &Service{Geo: &fakeGeo{donors: []models.Donor{a, b, c}}}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.ONeg, Location: nairobi})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c-donor", "a-donor", "b-donor"}, []string{got[0].Donor.ID, got[1].Donor.ID, got[2].Donor.ID})
}

func TestDonationIntervalExcludesRecentDonors(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * 24 * time.Hour)
	d := donor("recent", bloodtype.ONeg, nairobi)
	d.LastDonationAt = &recent
	s := &Service{Geo: &fakeGeo{donors: []models.Donor{d}}, DonationInterval: 56 * 24 * time.Hour, Now: func() time.Time { return now }}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.ONeg, Location: nairobi})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMaxResultsAndETA(t *testing.T) {
	s := &Service{
		Geo:        &fakeGeo{donors: []models.Donor{donor("1", bloodtype.ONeg, nairobi), donor("2", bloodtype.ONeg, nairobi)}},
		ETA:        fixedETA(90),
		MaxResults: 1,
	}
	got, err := s.FindMatches(context.Background(), Query{BloodType: bloodtype.ONeg, Location: nairobi})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 90.0, got[0].ETASeconds)
}

func TestInvalidQuery(t *testing.T) {
	s := &Service{Geo: &fakeGeo{}}
	_, err := s.FindMatches(context.Background(), Query{BloodType: "Z", Location: nairobi})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.FindMatches(context.Background(), Query{BloodType: bloodtype.OPos, Location: models.Coord{Lat: 200}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

type fixedETA float64

func (f fixedETA) Seconds(context.Context, models.Coord, models.Coord) float64 { return float64(f) }

func TestCompatibleDonorBehindIncompatibleCrowd(t *testing.T) {
	idx := geo.NewIndex()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d := donor(fmt.Sprintf("opos-%d", i), bloodtype.OPos, models.Coord{Lat: nairobi.Lat + float64(i)*0.0008, Lng: nairobi.Lng})
		require.NoError(t, idx.Upsert(ctx, d))
	}
	require.NoError(t, idx.Upsert(ctx, donor("oneg", bloodtype.ONeg, models.Coord{Lat: nairobi.Lat + 0.03, Lng: nairobi.Lng})))

	s := &Service{Geo: idx, CandidateLimit: 5}
	got, err := s.FindMatches(ctx, Query{BloodType: bloodtype.ABNeg, Urgency: models.UrgencyNormal, Location: nairobi})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "oneg", got[0].Donor.ID)
	assert.InDelta(t, 3.34, got[0].DistanceKm, 0.05)
}
