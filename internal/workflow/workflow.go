// Package workflow owns the blood request lifecycle: creation, status
// transitions with their history, and donor responses.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/observability"
	"github.com/example/bloodlink/internal/policy"
	"github.com/example/bloodlink/internal/storage"
)

const MaxUnitsNeeded = 10

type Store interface {
	storage.RequestStore
	storage.DonorStore
}

// Releaser hands reserved inventory back when a request ends unfulfilled.
type Releaser interface {
	Release(ctx context.Context, requestID string) (int, error)
}

// Auditor receives authorization denials.
type Auditor interface {
	Denied(ctx context.Context, actor policy.Actor, action policy.Action, target, reason string)
}

// DonorIndex is refreshed after a completed donation so matching sees the
// new last donation date.
type DonorIndex interface {
	Upsert(ctx context.Context, d models.Donor) error
}

type Engine struct {
	Store     Store
	Inventory Releaser   // optional
	Geo       DonorIndex // optional
	Audit     Auditor    // optional
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewEngine(store Store, inv Releaser, logger *zap.Logger) *Engine {
	return &Engine{Store: store, Inventory: inv, Logger: logger}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) authorize(ctx context.Context, actor policy.Actor, res policy.Resource, action policy.Action, target string) error {
	d := policy.Evaluate(actor, res, action)
	if d.Allowed {
		return nil
	}
	if e.Audit != nil {
		e.Audit.Denied(ctx, actor, action, target, d.Reason)
	}
	return apperr.Authorization("not permitted")
}

// Create validates a draft request and stores it as pending. The caller
// becomes the requester; institution defaults to the caller's.
func (e *Engine) Create(ctx context.Context, actor policy.Actor, draft models.BloodRequest) (*models.BloodRequest, error) {
	if err := e.authorize(ctx, actor, policy.Resource{Kind: "blood_request"}, policy.ActionRequestCreate, ""); err != nil {
		return nil, err
	}
	if draft.Urgency == "" {
		draft.Urgency = models.UrgencyNormal
	}
	fields := map[string]string{}
	if strings.TrimSpace(draft.PatientName) == "" {
		fields["patient_name"] = "required"
	}
	if !draft.BloodType.Valid() {
		fields["blood_type"] = "unknown blood type"
	}
	if draft.UnitsNeeded < 1 || draft.UnitsNeeded > MaxUnitsNeeded {
		fields["units_needed"] = fmt.Sprintf("must be between 1 and %d", MaxUnitsNeeded)
	}
	if !draft.Urgency.Valid() {
		fields["urgency"] = "must be normal, urgent, critical or emergency"
	}
	if !geo.ValidCoord(draft.Location.Coord) {
		fields["location"] = "invalid coordinates"
	}
	now := e.now()
	if draft.NeededBy != nil && !draft.NeededBy.After(now) {
		fields["needed_by"] = "must be in the future"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid blood request", fields)
	}

	r := draft
	r.ID = uuid.NewString()
	r.Status = models.StatusPending
	r.RequesterID = actor.ID
	if r.InstitutionID == "" {
		r.InstitutionID = actor.InstitutionID
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := e.Store.CreateRequest(ctx, &r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	e.log().Info("blood request created",
		zap.String("request_id", r.ID),
		zap.String("blood_type", string(r.BloodType)),
		zap.String("urgency", string(r.Urgency)),
		zap.Int("units_needed", r.UnitsNeeded),
	)
	return &r, nil
}

// Get loads a request visible to actor.
func (e *Engine) Get(ctx context.Context, actor policy.Actor, id string) (*models.BloodRequest, error) {
	r, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, policy.ForRequest(r), policy.ActionRequestRead, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) load(ctx context.Context, id string) (*models.BloodRequest, error) {
	r, err := e.Store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("blood request")
	}
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	return r, nil
}

// Transition moves request id to status to on behalf of actor and appends
// a history entry. Completion credits accepting donors; expiry and
// cancellation release reserved inventory.
func (e *Engine) Transition(ctx context.Context, actor policy.Actor, id string, to models.RequestStatus, note string) (*models.BloodRequest, error) {
	if !KnownStatus(to) {
		return nil, apperr.Field("status", "unknown status")
	}
	r, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, policy.ForRequest(r), policy.ActionRequestTransition, id); err != nil {
		return nil, err
	}
	return e.apply(ctx, actor, r, to, note)
}

func (e *Engine) apply(ctx context.Context, actor policy.Actor, r *models.BloodRequest, to models.RequestStatus, note string) (*models.BloodRequest, error) {
	if err := CheckTransition(r.Status, to); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindConflict, Message: err.Error(), Err: err}
	}
	now := e.now()
	change := &models.StatusChange{
		RequestID:      r.ID,
		PreviousStatus: r.Status,
		NewStatus:      to,
		ActorID:        actor.ID,
		Note:           note,
		CreatedAt:      now,
	}
	err := e.Store.TransitionStatus(ctx, change)
	if errors.Is(err, storage.ErrStatusChanged) {
		return nil, apperr.Conflict("request status changed, reload and retry")
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("blood request")
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", r.ID, err)
	}
	observability.StatusTransitionsTotal.WithLabelValues(string(to)).Inc()
	e.log().Info("request status changed",
		zap.String("request_id", r.ID),
		zap.String("from", string(change.PreviousStatus)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID),
	)

	r.Status = to
	r.UpdatedAt = now
	// The transition is committed; side effect failures are logged and can
	// be retried through the inventory endpoints.
	switch to {
	case models.StatusCompleted:
		e.creditDonors(ctx, r.ID, now)
	case models.StatusExpired, models.StatusCancelled:
		e.releaseInventory(ctx, r.ID)
	}
	return r, nil
}

func (e *Engine) creditDonors(ctx context.Context, requestID string, now time.Time) {
	donors, err := e.Store.FulfillAccepted(ctx, requestID, now)
	if err != nil {
		e.log().Error("fulfil responses failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if len(donors) == 0 {
		return
	}
	if err := e.Store.IncrementDonations(ctx, donors, now); err != nil {
		e.log().Error("credit donors failed", zap.String("request_id", requestID), zap.Strings("donor_ids", donors), zap.Error(err))
		return
	}
	if e.Geo == nil {
		return
	}
	for _, id := range donors {
		d, err := e.Store.GetDonor(ctx, id)
		if err != nil {
			continue
		}
		if err := e.Geo.Upsert(ctx, *d); err != nil {
			e.log().Warn("geo refresh failed", zap.String("donor_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) releaseInventory(ctx context.Context, requestID string) {
	if e.Inventory == nil {
		return
	}
	if _, err := e.Inventory.Release(ctx, requestID); err != nil {
		e.log().Error("release inventory failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// History returns the transitions of a request, oldest first.
func (e *Engine) History(ctx context.Context, actor policy.Actor, id string) ([]models.StatusChange, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	h, err := e.Store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return h, nil
}
