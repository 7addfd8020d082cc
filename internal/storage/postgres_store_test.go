package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewPostgresStore(db, zap.NewNop())
}

func TestPostgresTransitionStatus(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE blood_requests SET status`).
		WithArgs("r1", "pending", "processing", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO request_status_history`).
		WithArgs("r1", "pending", "processing", "u1", sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	c := &models.StatusChange{RequestID: "r1", PreviousStatus: models.StatusPending, NewStatus: models.StatusProcessing, ActorID: "u1", CreatedAt: now}
	require.NoError(t, store.TransitionStatus(context.Background(), c))
	assert.Equal(t, int64(42), c.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionStatus_Stale(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE blood_requests SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	c := &models.StatusChange{RequestID: "r1", PreviousStatus: models.StatusPending, NewStatus: models.StatusMatched, CreatedAt: now}
	assert.ErrorIs(t, store.TransitionStatus(context.Background(), c), ErrStatusChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRequest(t *testing.T) {
	mock, store := setupMockDB(t)
	cols := []string{"id", "patient_name", "contact_phone", "blood_type", "units_needed", "urgency", "status",
		"lat", "lng", "address", "requester_id", "institution_id", "notes", "needed_by", "created_at", "updated_at"}

	mock.ExpectQuery(`SELECT .* FROM blood_requests WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "Jane", nil, "B-", 3, "critical", "matched",
			9.03, 38.74, "Ward 4", "u1", "inst-1", nil, nil, now, now))

	r, err := store.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, bloodtype.BNeg, r.BloodType)
	assert.Equal(t, models.UrgencyCritical, r.Urgency)
	assert.Equal(t, models.StatusMatched, r.Status)
	assert.Equal(t, "Ward 4", r.Location.Address)
	assert.Equal(t, "inst-1", r.InstitutionID)
	assert.Nil(t, r.NeededBy)

	mock.ExpectQuery(`FROM blood_requests`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err = store.GetRequest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertResponse(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE donor_responses SET status = 'withdrawn'`).
		WithArgs("r1", "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO donor_responses`).
		WithArgs("resp-2", "r1", "d1", "accept", 15, "active", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp := &models.DonorResponse{ID: "resp-2", RequestID: "r1", DonorID: "d1", ResponseType: models.ResponseAccept, ETAMinutes: 15, CreatedAt: now}
	require.NoError(t, store.UpsertResponse(context.Background(), resp))
	assert.Equal(t, models.ResponseActive, resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFulfillAcceptedAndIncrement(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`UPDATE donor_responses SET status = 'fulfilled'`).
		WithArgs("r1", now).
		WillReturnRows(sqlmock.NewRows([]string{"donor_id"}).AddRow("d1").AddRow("d2"))
	mock.ExpectExec(`UPDATE donors\s+SET successful_donations = successful_donations \+ 1`).
		WithArgs(sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	donors, err := store.FulfillAccepted(context.Background(), "r1", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, donors)
	require.NoError(t, store.IncrementDonations(context.Background(), donors, now))
	require.NoError(t, store.IncrementDonations(context.Background(), nil, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPreferences(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`FROM notification_preferences WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	p, err := store.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.Enabled(models.ChannelPush))

	mock.ExpectQuery(`FROM notification_preferences WHERE user_id = \$1`).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"disabled_channels", "quiet_enabled", "quiet_start_hour", "quiet_end_hour",
			"timezone", "phone", "email", "push_token", "whatsapp"}).
			AddRow("{sms,whatsapp}", true, 22, 7, "Africa/Addis_Ababa", "+2519", nil, "tok", nil))
	p, err = store.GetPreferences(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, p.Enabled(models.ChannelSMS))
	assert.False(t, p.Enabled(models.ChannelWhatsApp))
	assert.True(t, p.Enabled(models.ChannelEmail))
	assert.Equal(t, 22, p.QuietHours.StartHour)
	assert.Equal(t, "tok", p.PushToken)

	mock.ExpectExec(`INSERT INTO notification_preferences`).
		WithArgs("u2", sqlmock.AnyArg(), true, 22, 7, "Africa/Addis_Ababa", "+2519", nil, "tok", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SavePreferences(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}
