package workflow

import (
	"errors"
	"fmt"

	"github.com/example/bloodlink/internal/models"
)

var (
	ErrTerminalState     = errors.New("request is in a terminal state")
	ErrSameStatus        = errors.New("request already has this status")
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// progress ranks the forward path. Skipping ahead is allowed, going back
// is not.
var progress = map[models.RequestStatus]int{
	models.StatusPending:            0,
	models.StatusProcessing:         1,
	models.StatusMatched:            2,
	models.StatusPartiallyFulfilled: 3,
	models.StatusCompleted:          4,
}

// KnownStatus reports whether s is part of the request lifecycle.
func KnownStatus(s models.RequestStatus) bool {
	_, forward := progress[s]
	return forward || s == models.StatusExpired || s == models.StatusCancelled
}

// CheckTransition validates from → to against the status graph.
func CheckTransition(from, to models.RequestStatus) error {
	if !KnownStatus(to) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if from == to {
		return ErrSameStatus
	}
	if to == models.StatusExpired || to == models.StatusCancelled {
		return nil
	}
	if progress[to] < progress[from] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
