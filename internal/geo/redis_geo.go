package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, so every server
// instance and the location consumer see the same donor positions.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Donor) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd donor %s: %w", d.ID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d)).Err(); err != nil {
		return fmt.Errorf("hset donor meta %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Donor, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.Donor, 0, len(res))
	for _, g := range res {
		d := models.Donor{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lng = g.Longitude
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall donor meta %s: %w", g.Name, err)
		}
		applyMeta(&d, m)
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "donor:meta:" + id }

// MetaFields is the hash stored next to a donor's GEO entry.
func MetaFields(d models.Donor) map[string]interface{} {
	f := map[string]interface{}{
		"blood_type":           string(d.BloodType),
		"available":            strconv.FormatBool(d.Available),
		"location_sharing":     strconv.FormatBool(d.LocationSharing),
		"rating":               strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"response_rate":        strconv.FormatFloat(d.ResponseRate, 'f', -1, 64),
		"avg_response_minutes": strconv.FormatFloat(d.AvgResponseMinutes, 'f', -1, 64),
		"updated":              time.Now().UTC().Format(time.RFC3339),
	}
	if d.LastDonationAt != nil {
		f["last_donation_at"] = d.LastDonationAt.UTC().Format(time.RFC3339)
	}
	return f
}

func applyMeta(d *models.Donor, m map[string]string) {
	if v, ok := m["blood_type"]; ok {
		if bt, err := bloodtype.Parse(v); err == nil {
			d.BloodType = bt
		}
	}
	d.Available = m["available"] == "true"
	d.LocationSharing = m["location_sharing"] == "true"
	d.Rating = parseFloat(m["rating"])
	d.ResponseRate = parseFloat(m["response_rate"])
	d.AvgResponseMinutes = parseFloat(m["avg_response_minutes"])
	if v, ok := m["last_donation_at"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.LastDonationAt = &t
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
