package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/policy"
	"github.com/example/bloodlink/internal/storage"
)

const MaxETAMinutes = 24 * 60

// Respond records actor's answer to a request, replacing any earlier one.
// The first accept on a pending or processing request moves it to matched.
func (e *Engine) Respond(ctx context.Context, actor policy.Actor, requestID string, kind models.ResponseType, etaMinutes int) (*models.DonorResponse, error) {
	switch kind {
	case models.ResponseAccept, models.ResponseDecline, models.ResponseMaybe:
	default:
		return nil, apperr.Field("response_type", "must be accept, decline or maybe")
	}
	if etaMinutes < 0 || etaMinutes > MaxETAMinutes {
		return nil, apperr.Field("eta_minutes", fmt.Sprintf("must be between 0 and %d", MaxETAMinutes))
	}
	r, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, policy.ForRequest(r), policy.ActionRequestRespond, requestID); err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, apperr.Conflict("request is no longer open")
	}

	resp := &models.DonorResponse{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		DonorID:      actor.ID,
		ResponseType: kind,
		ETAMinutes:   etaMinutes,
		CreatedAt:    e.now(),
	}
	if err := e.Store.UpsertResponse(ctx, resp); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("blood request")
		}
		return nil, fmt.Errorf("record response: %w", err)
	}
	e.log().Info("donor responded",
		zap.String("request_id", requestID),
		zap.String("donor_id", actor.ID),
		zap.String("response_type", string(kind)),
	)

	if kind == models.ResponseAccept && (r.Status == models.StatusPending || r.Status == models.StatusProcessing) {
		_, err := e.apply(ctx, policy.System, r, models.StatusMatched, "donor "+actor.ID+" accepted")
		if err != nil && !apperr.Is(err, apperr.KindConflict) {
			return nil, err
		}
	}
	return resp, nil
}
