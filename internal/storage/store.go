package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/bloodlink/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusChanged means the request left the expected status between
	// read and write; the caller should reload and retry.
	ErrStatusChanged = errors.New("request status changed concurrently")
)

// RequestStore persists blood requests, their status history and donor
// responses.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.BloodRequest) error
	GetRequest(ctx context.Context, id string) (*models.BloodRequest, error)
	// TransitionStatus moves the request from c.PreviousStatus to
	// c.NewStatus and appends c to the history in one step. c.ID is set.
	TransitionStatus(ctx context.Context, c *models.StatusChange) error
	History(ctx context.Context, requestID string) ([]models.StatusChange, error)

	// UpsertResponse withdraws the donor's active response to the request,
	// if any, and stores resp as the new active one.
	UpsertResponse(ctx context.Context, resp *models.DonorResponse) error
	ListResponses(ctx context.Context, requestID string) ([]models.DonorResponse, error)
	// FulfillAccepted marks active accept responses fulfilled and returns
	// the donors behind them.
	FulfillAccepted(ctx context.Context, requestID string, at time.Time) ([]string, error)
}

type DonorStore interface {
	UpsertDonor(ctx context.Context, d *models.Donor) error
	GetDonor(ctx context.Context, id string) (*models.Donor, error)
	// IncrementDonations bumps successful_donations and sets last_donation_at.
	IncrementDonations(ctx context.Context, donorIDs []string, at time.Time) error
}

type PreferenceStore interface {
	// GetPreferences returns defaults (everything enabled, no quiet hours)
	// for users that never saved any.
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error)
	SavePreferences(ctx context.Context, p models.NotificationPreferences) error
}

// Store is everything the API needs from persistence.
type Store interface {
	RequestStore
	DonorStore
	PreferenceStore
}
