package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/matcher"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/observability"
	"github.com/example/bloodlink/internal/policy"
	"github.com/example/bloodlink/internal/storage"
)

type donorLocationInput struct {
	DonorID         string   `json:"donor_id" validate:"required"`
	Lat             *float64 `json:"lat" validate:"required,latitude"`
	Lng             *float64 `json:"lng" validate:"required,longitude"`
	BloodType       string   `json:"blood_type"`
	Available       *bool    `json:"available"`
	LocationSharing *bool    `json:"location_sharing"`
}

// handleDonorLocation records a donor position. The stored profile supplies
// everything the update leaves out.
func (s *Server) handleDonorLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in donorLocationInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, policy.Resource{Kind: "donor", OwnerID: in.DonorID}, policy.ActionLocationUpdate, in.DonorID); err != nil {
		s.writeError(w, r, err)
		return
	}

	d := &models.Donor{ID: in.DonorID, Available: true, LocationSharing: true}
	if s.Donors != nil {
		stored, err := s.Donors.GetDonor(ctx, in.DonorID)
		switch {
		case err == nil:
			d = stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			s.writeError(w, r, err)
			return
		}
	}
	d.Loc = models.Coord{Lat: *in.Lat, Lng: *in.Lng}
	if in.BloodType != "" {
		bt, err := bloodtype.Parse(in.BloodType)
		if err != nil {
			s.writeError(w, r, apperr.Field("blood_type", "unknown blood type"))
			return
		}
		d.BloodType = bt
	}
	if in.Available != nil {
		d.Available = *in.Available
	}
	if in.LocationSharing != nil {
		d.LocationSharing = *in.LocationSharing
	}
	d.Updated = time.Now().UTC()

	if s.Donors != nil {
		if err := s.Donors.UpsertDonor(ctx, d); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.Geo.Upsert(ctx, *d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, *d); err != nil {
			s.logger.Warn("publish donor location failed", zap.String("donor_id", d.ID), zap.Error(err))
		}
	}
	if counter, ok := s.Geo.(interface{ Len() int }); ok {
		observability.DonorsOnline.Set(float64(counter.Len()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNearbyDonors lists compatible, available donors around a point,
// ranked the same way matching ranks them.
func (s *Server) handleNearbyDonors(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, policy.Resource{Kind: "donor"}, policy.ActionDonorSearch, "donors"); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	fields := map[string]string{}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		fields["lat"] = "required number"
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		fields["lng"] = "required number"
	}
	bt, err := bloodtype.Parse(q.Get("blood_type"))
	if err != nil {
		fields["blood_type"] = "unknown blood type"
	}
	urgency := models.Urgency(q.Get("urgency"))
	if urgency == "" {
		urgency = models.UrgencyNormal
	}
	if !urgency.Valid() {
		fields["urgency"] = "must be normal, urgent, critical or emergency"
	}
	var radius float64
	if v := q.Get("radius_km"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 || radius > 500 {
			fields["radius_km"] = "must be a number between 0 and 500"
		}
	}
	if len(fields) > 0 {
		s.writeError(w, r, apperr.Validation("invalid search", fields))
		return
	}

	matches, err := s.Matcher.FindMatches(r.Context(), matcher.Query{
		BloodType: bt,
		Urgency:   urgency,
		Location:  models.Coord{Lat: lat, Lng: lng},
		RadiusKm:  radius,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, matches)
}
