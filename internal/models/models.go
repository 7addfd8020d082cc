package models

import (
	"time"

	"github.com/example/bloodlink/internal/bloodtype"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a coordinate with an optional human readable address.
type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical, UrgencyEmergency:
		return true
	}
	return false
}

type RequestStatus string

const (
	StatusPending            RequestStatus = "pending"
	StatusProcessing         RequestStatus = "processing"
	StatusMatched            RequestStatus = "matched"
	StatusPartiallyFulfilled RequestStatus = "partially_fulfilled"
	StatusCompleted          RequestStatus = "completed"
	StatusExpired            RequestStatus = "expired"
	StatusCancelled          RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

type BloodRequest struct {
	ID            string         `json:"id"`
	PatientName   string         `json:"patient_name"`
	ContactPhone  string         `json:"contact_phone,omitempty"`
	BloodType     bloodtype.Type `json:"blood_type"`
	UnitsNeeded   int            `json:"units_needed"`
	Urgency       Urgency        `json:"urgency"`
	Status        RequestStatus  `json:"status"`
	Location      Location       `json:"location"`
	RequesterID   string         `json:"requester_id"`
	InstitutionID string         `json:"institution_id,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	NeededBy      *time.Time     `json:"needed_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseDecline ResponseType = "decline"
	ResponseMaybe   ResponseType = "maybe"
)

type ResponseStatus string

const (
	ResponseActive    ResponseStatus = "active"
	ResponseWithdrawn ResponseStatus = "withdrawn"
	ResponseFulfilled ResponseStatus = "fulfilled"
)

// DonorResponse links a donor to a request. A donor holds at most one
// active response per request.
type DonorResponse struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	DonorID      string         `json:"donor_id"`
	ResponseType ResponseType   `json:"response_type"`
	ETAMinutes   int            `json:"eta_minutes,omitempty"`
	Status       ResponseStatus `json:"status"`
	ConfirmedAt  *time.Time     `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type Donor struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name,omitempty"`
	BloodType           bloodtype.Type `json:"blood_type"`
	Loc                 Coord          `json:"loc"`
	Available           bool           `json:"available"`
	LocationSharing     bool           `json:"location_sharing"`
	ResponseRate        float64        `json:"response_rate"` // 0..1
	AvgResponseMinutes  float64        `json:"avg_response_minutes"`
	Rating              float64        `json:"rating"` // 0..5
	SuccessfulDonations int            `json:"successful_donations"`
	LastDonationAt      *time.Time     `json:"last_donation_at,omitempty"`
	Phone               string         `json:"phone,omitempty"`
	Email               string         `json:"email,omitempty"`
	Updated             time.Time      `json:"updated"`
}

// Match is one ranked candidate for a request.
type Match struct {
	Donor              Donor   `json:"donor"`
	CompatibilityScore float64 `json:"compatibility_score"`
	DistanceKm         float64 `json:"distance_km"`
	SuccessProbability float64 `json:"success_probability"`
	ETASeconds         float64 `json:"eta_seconds"`
	Score              float64 `json:"score"`
}

// StatusChange is an immutable audit entry for a request transition.
type StatusChange struct {
	ID             int64         `json:"id"`
	RequestID      string        `json:"request_id"`
	PreviousStatus RequestStatus `json:"previous_status"`
	NewStatus      RequestStatus `json:"new_status"`
	ActorID        string        `json:"actor_id"`
	Note           string        `json:"note,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
