package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Donor, error)
}

type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

// UrgencyRule is the search envelope for one urgency level.
type UrgencyRule struct {
	RadiusKm  float64
	MinRating float64
}

func DefaultRules() map[models.Urgency]UrgencyRule {
	return map[models.Urgency]UrgencyRule{
		models.UrgencyNormal:    {RadiusKm: 10, MinRating: 3.0},
		models.UrgencyUrgent:    {RadiusKm: 25, MinRating: 2.5},
		models.UrgencyCritical:  {RadiusKm: 50, MinRating: 1.0},
		models.UrgencyEmergency: {RadiusKm: 100, MinRating: 0},
	}
}

type Weights struct {
	Distance     float64
	ResponseRate float64
	ResponseTime float64
}

func DefaultWeights() Weights {
	return Weights{Distance: 0.5, ResponseRate: 0.3, ResponseTime: 0.2}
}

const (
	exactTypeScore      = 1.0
	compatibleTypeScore = 0.8
)

type Service struct {
	Geo     Geo
	ETA     ETA // optional
	Rules   map[models.Urgency]UrgencyRule
	Weights Weights
	// ResponseTimeCap is the average response time (minutes) that scores zero.
	ResponseTimeCap float64
	// DonationInterval is the minimum gap since a donor's last donation.
	DonationInterval time.Duration
	MaxResults       int
	// CandidateLimit is the number of eligible donors matching aims to
	// consider. The geo query widens until that many pass the filters or
	// the radius holds no more donors.
	CandidateLimit int
	Now            func() time.Time
	Logger         *zap.Logger
}

// Query is what matching needs to know about a request.
type Query struct {
	BloodType bloodtype.Type
	Urgency   models.Urgency
	Location  models.Coord
	// RadiusKm overrides the urgency radius when > 0.
	RadiusKm float64
}

func QueryFor(r *models.BloodRequest) Query {
	return Query{BloodType: r.BloodType, Urgency: r.Urgency, Location: r.Location.Coord}
}

func (s *Service) rule(u models.Urgency) UrgencyRule {
	rules := s.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	if r, ok := rules[u]; ok {
		return r
	}
	return rules[models.UrgencyNormal]
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// FindMatches returns compatible, available donors around q.Location
// ranked best first. An empty result is not an error.
func (s *Service) FindMatches(ctx context.Context, q Query) ([]models.Match, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if !q.BloodType.Valid() {
		return nil, apperr.Field("blood_type", "unknown blood type")
	}
	if !geo.ValidCoord(q.Location) {
		return nil, apperr.Field("location", "coordinates out of range")
	}
	if q.Urgency == "" {
		q.Urgency = models.UrgencyNormal
	}
	rule := s.rule(q.Urgency)
	radius := rule.RadiusKm
	if q.RadiusKm > 0 {
		radius = q.RadiusKm
	}

	now := s.now()
	cands, fetched, err := s.candidates(ctx, q, rule, radius, now)
	if err != nil {
		return nil, err
	}

	w := s.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	respCap := s.ResponseTimeCap
	if respCap <= 0 {
		respCap = 120
	}

	out := make([]models.Match, 0, len(cands))
	for _, d := range cands {
		dist := geo.DistanceKm(q.Location, d.Loc)
		proximity := 1 - dist/radius
		speed := 1 - math.Min(d.AvgResponseMinutes, respCap)/respCap
		score := w.Distance*proximity + w.ResponseRate*clamp01(d.ResponseRate) + w.ResponseTime*speed

		compat := compatibleTypeScore
		if d.BloodType == q.BloodType {
			compat = exactTypeScore
		}
		m := models.Match{
			Donor:              d,
			CompatibilityScore: compat,
			DistanceKm:         round(dist, 3),
			SuccessProbability: round(clamp01(d.ResponseRate*(1-0.5*dist/radius)), 3),
			Score:              round(score, 4),
		}
		if s.ETA != nil {
			m.ETASeconds = s.ETA.Seconds(ctx, d.Loc, q.Location)
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Donor.Rating != b.Donor.Rating {
			return a.Donor.Rating > b.Donor.Rating
		}
		return a.Donor.ID < b.Donor.ID
	})
	if s.MaxResults > 0 && len(out) > s.MaxResults {
		out = out[:s.MaxResults]
	}

	observability.MatchesTotal.Add(float64(len(out)))
	if s.Logger != nil {
		s.Logger.Debug("donor matching finished",
			zap.String("blood_type", string(q.BloodType)),
			zap.String("urgency", string(q.Urgency)),
			zap.Float64("radius_km", radius),
			zap.Int("fetched", fetched),
			zap.Int("candidates", len(cands)),
			zap.Int("matches", len(out)),
		)
	}
	return out, nil
}

// candidates pulls donors nearest first and keeps the eligible ones. The
// index limit doubles while a full page comes back with fewer than
// CandidateLimit eligible donors, so a crowd of incompatible donors near
// the request cannot hide compatible ones further out.
func (s *Service) candidates(ctx context.Context, q Query, rule UrgencyRule, radius float64, now time.Time) ([]models.Donor, int, error) {
	limit := s.CandidateLimit
	for {
		nearby, err := s.Geo.Nearby(ctx, q.Location.Lat, q.Location.Lng, radius, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("nearby donors: %w", err)
		}
		out := make([]models.Donor, 0, len(nearby))
		for _, d := range nearby {
			if s.eligible(d, q, rule, radius, now) {
				out = append(out, d)
			}
		}
		if limit <= 0 || len(nearby) < limit || len(out) >= s.CandidateLimit {
			return out, len(nearby), nil
		}
		limit *= 2
	}
}

func (s *Service) eligible(d models.Donor, q Query, rule UrgencyRule, radius float64, now time.Time) bool {
	if !d.BloodType.CanDonateTo(q.BloodType) {
		return false
	}
	if !d.Available || !d.LocationSharing {
		return false
	}
	// unrated donors are not held to the threshold
	if d.Rating > 0 && d.Rating < rule.MinRating {
		return false
	}
	if s.DonationInterval > 0 && d.LastDonationAt != nil && now.Sub(*d.LastDonationAt) < s.DonationInterval {
		return false
	}
	return geo.DistanceKm(q.Location, d.Loc) <= radius
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
