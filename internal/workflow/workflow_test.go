package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/policy"
	"github.com/example/bloodlink/internal/storage"
)

var (
	now       = time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)
	requester = policy.Actor{ID: "req-user", Role: policy.RoleRequester, InstitutionID: "hosp-1"}
	staff     = policy.Actor{ID: "nurse", Role: policy.RoleStaff, InstitutionID: "hosp-1"}
	outsider  = policy.Actor{ID: "other", Role: policy.RoleStaff, InstitutionID: "hosp-2"}
	donorA    = policy.Actor{ID: "donor-a", Role: policy.RoleDonor}
	donorB    = policy.Actor{ID: "donor-b", Role: policy.RoleDonor}
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) Release(_ context.Context, requestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, requestID)
	return 1, nil
}

type fakeAuditor struct{ denials []policy.Action }

func (f *fakeAuditor) Denied(_ context.Context, _ policy.Actor, action policy.Action, _, _ string) {
	f.denials = append(f.denials, action)
}

func newEngine(t *testing.T) (*Engine, *storage.MemoryStore, *fakeReleaser, *fakeAuditor) {
	t.Helper()
	store := storage.NewMemoryStore()
	rel := &fakeReleaser{}
	aud := &fakeAuditor{}
	e := NewEngine(store, rel, nil)
	e.Audit = aud
	e.Now = func() time.Time { return now }
	return e, store, rel, aud
}

func draft() models.BloodRequest {
	return models.BloodRequest{
		PatientName: "Abebe",
		BloodType:   bloodtype.OPos,
		UnitsNeeded: 2,
		Urgency:     models.UrgencyUrgent,
		Location:    models.Location{Coord: models.Coord{Lat: 9.01, Lng: 38.76}},
	}
}

func create(t *testing.T, e *Engine) *models.BloodRequest {
	t.Helper()
	r, err := e.Create(context.Background(), requester, draft())
	require.NoError(t, err)
	return r
}

func TestCreate(t *testing.T) {
	e, _, _, _ := newEngine(t)
	r := create(t, e)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, "req-user", r.RequesterID)
	assert.Equal(t, "hosp-1", r.InstitutionID)

	bad := draft()
	bad.UnitsNeeded = 0
	bad.BloodType = "Z+"
	bad.Urgency = ""
	_, err := e.Create(context.Background(), requester, bad)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Contains(t, ae.Fields, "units_needed")
	assert.Contains(t, ae.Fields, "blood_type")
	assert.NotContains(t, ae.Fields, "urgency")
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		from, to models.RequestStatus
		want     error
	}{
		{models.StatusPending, models.StatusProcessing, nil},
		{models.StatusPending, models.StatusCompleted, nil},
		{models.StatusMatched, models.StatusPartiallyFulfilled, nil},
		{models.StatusProcessing, models.StatusCancelled, nil},
		{models.StatusPartiallyFulfilled, models.StatusExpired, nil},
		{models.StatusMatched, models.StatusPending, ErrInvalidTransition},
		{models.StatusMatched, models.StatusMatched, ErrSameStatus},
		{models.StatusPending, "archived", ErrInvalidTransition},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to)
		if tc.want == nil {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, tc.want, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	all := []models.RequestStatus{
		models.StatusPending, models.StatusProcessing, models.StatusMatched, models.StatusPartiallyFulfilled,
		models.StatusCompleted, models.StatusExpired, models.StatusCancelled,
	}
	for _, from := range []models.RequestStatus{models.StatusCompleted, models.StatusExpired, models.StatusCancelled} {
		for _, to := range all {
			assert.ErrorIs(t, CheckTransition(from, to), ErrTerminalState, "%s -> %s", from, to)
		}
	}
}

func TestTransition_HistoryAndPermissions(t *testing.T) {
	e, _, _, aud := newEngine(t)
	ctx := context.Background()
	r := create(t, e)

	_, err := e.Transition(ctx, outsider, r.ID, models.StatusProcessing, "")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.Equal(t, []policy.Action{policy.ActionRequestTransition}, aud.denials)

	_, err = e.Transition(ctx, donorA, r.ID, models.StatusProcessing, "")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	got, err := e.Transition(ctx, staff, r.ID, models.StatusProcessing, "triaged")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	_, err = e.Transition(ctx, requester, r.ID, models.StatusPending, "")
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = e.Transition(ctx, requester, r.ID, "bogus", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.Transition(ctx, requester, "missing", models.StatusCancelled, "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	h, err := e.History(ctx, requester, r.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "nurse", h[0].ActorID)
	assert.Equal(t, "triaged", h[0].Note)
}

func TestTransition_CancelReleasesInventory(t *testing.T) {
	e, _, rel, _ := newEngine(t)
	ctx := context.Background()
	r := create(t, e)

	_, err := e.Transition(ctx, requester, r.ID, models.StatusCancelled, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, rel.released)

	_, err = e.Transition(ctx, policy.System, r.ID, models.StatusProcessing, "")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRespond_FirstAcceptMatches(t *testing.T) {
	e, _, _, _ := newEngine(t)
	ctx := context.Background()
	r := create(t, e)

	_, err := e.Respond(ctx, donorB, r.ID, models.ResponseMaybe, 0)
	require.NoError(t, err)
	got, err := e.Get(ctx, requester, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	_, err = e.Respond(ctx, donorA, r.ID, models.ResponseAccept, 20)
	require.NoError(t, err)
	got, err = e.Get(ctx, requester, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)

	// a second accept does not transition again
	_, err = e.Respond(ctx, donorB, r.ID, models.ResponseAccept, 30)
	require.NoError(t, err)

	h, err := e.History(ctx, requester, r.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, policy.System.ID, h[0].ActorID)

	_, err = e.Respond(ctx, staff, r.ID, models.ResponseAccept, 0)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = e.Respond(ctx, donorA, r.ID, "sure", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCompleteCreditsAcceptingDonors(t *testing.T) {
	e, store, _, _ := newEngine(t)
	idx := geo.NewIndex()
	e.Geo = idx
	ctx := context.Background()
	for _, id := range []string{"donor-a", "donor-b"} {
		require.NoError(t, store.UpsertDonor(ctx, &models.Donor{ID: id, BloodType: bloodtype.OPos, SuccessfulDonations: 1}))
	}
	r := create(t, e)

	_, err := e.Respond(ctx, donorA, r.ID, models.ResponseAccept, 10)
	require.NoError(t, err)
	_, err = e.Respond(ctx, donorB, r.ID, models.ResponseAccept, 10)
	require.NoError(t, err)
	// donor-b changes their mind
	_, err = e.Respond(ctx, donorB, r.ID, models.ResponseDecline, 0)
	require.NoError(t, err)

	_, err = e.Transition(ctx, requester, r.ID, models.StatusCompleted, "")
	require.NoError(t, err)

	a, err := store.GetDonor(ctx, "donor-a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.SuccessfulDonations)
	require.NotNil(t, a.LastDonationAt)
	b, err := store.GetDonor(ctx, "donor-b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SuccessfulDonations)
	assert.Equal(t, 1, idx.Len())

	responses, err := store.ListResponses(ctx, r.ID)
	require.NoError(t, err)
	for _, resp := range responses {
		if resp.DonorID == "donor-a" && resp.ResponseType == models.ResponseAccept {
			assert.Equal(t, models.ResponseFulfilled, resp.Status)
		}
	}

	_, err = e.Respond(ctx, donorA, r.ID, models.ResponseAccept, 0)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}
