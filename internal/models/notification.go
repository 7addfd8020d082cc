package models

import "time"

type AlertType string

const (
	AlertBloodRequest  AlertType = "blood_request"
	AlertEmergency     AlertType = "emergency"
	AlertDonorResponse AlertType = "donor_response"
	AlertReminder      AlertType = "reminder"
	AlertSystem        AlertType = "system"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelInApp    Channel = "in_app"
)

type Alert struct {
	Type       AlertType         `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Recipients []string          `json:"recipients"`
	Priority   Priority          `json:"priority"`
	Channels   []Channel         `json:"channels"`
	Data       map[string]string `json:"data,omitempty"`
}

// QuietHours is a daily window, in the user's timezone, during which
// non-critical alerts are held back. StartHour may exceed EndHour for
// windows that wrap midnight.
type QuietHours struct {
	Enabled   bool   `json:"enabled"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.StartHour == q.EndHour {
		return false
	}
	if q.Timezone != "" {
		if loc, err := time.LoadLocation(q.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	h := t.Hour()
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

type NotificationPreferences struct {
	UserID     string           `json:"user_id"`
	Disabled   map[Channel]bool `json:"disabled,omitempty"`
	QuietHours QuietHours       `json:"quiet_hours"`
	Phone      string           `json:"phone,omitempty"`
	Email      string           `json:"email,omitempty"`
	PushToken  string           `json:"push_token,omitempty"`
	WhatsApp   string           `json:"whatsapp,omitempty"`
}

// Enabled reports whether the user accepts deliveries on ch.
func (p NotificationPreferences) Enabled(ch Channel) bool {
	return !p.Disabled[ch]
}

// DeliveryResult counts outcomes of one alert fan-out.
type DeliveryResult struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}
