package notify

import (
	"fmt"
	"strconv"

	"github.com/example/bloodlink/internal/models"
)

// AlertForMatches builds the donor call-out for a matched request.
func AlertForMatches(r *models.BloodRequest, matches []models.Match) models.Alert {
	recipients := make([]string, 0, len(matches))
	for _, m := range matches {
		recipients = append(recipients, m.Donor.ID)
	}
	a := models.Alert{
		Type:       models.AlertBloodRequest,
		Title:      fmt.Sprintf("%s blood needed", r.BloodType),
		Message:    fmt.Sprintf("%d unit(s) of %s needed near %s. Can you help?", r.UnitsNeeded, r.BloodType, locationLabel(r.Location)),
		Recipients: recipients,
		Priority:   priorityFor(r.Urgency),
		Channels:   []models.Channel{models.ChannelPush, models.ChannelInApp},
		Data: map[string]string{
			"request_id":   r.ID,
			"blood_type":   string(r.BloodType),
			"urgency":      string(r.Urgency),
			"units_needed": strconv.Itoa(r.UnitsNeeded),
		},
	}
	switch r.Urgency {
	case models.UrgencyEmergency:
		a.Type = models.AlertEmergency
		a.Channels = append(a.Channels, models.ChannelSMS, models.ChannelWhatsApp)
	case models.UrgencyCritical:
		a.Channels = append(a.Channels, models.ChannelSMS)
	}
	return a
}

func priorityFor(u models.Urgency) models.Priority {
	switch u {
	case models.UrgencyEmergency, models.UrgencyCritical:
		return models.PriorityCritical
	case models.UrgencyUrgent:
		return models.PriorityHigh
	default:
		return models.PriorityNormal
	}
}

func locationLabel(l models.Location) string {
	if l.Address != "" {
		return l.Address
	}
	return fmt.Sprintf("%.4f,%.4f", l.Lat, l.Lng)
}
