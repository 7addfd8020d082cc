package inventory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewPostgresStore(db, zap.NewNop())
}

func TestPostgresReserve_CommitsWhenAllRowsUpdated(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM blood_units`).
		WithArgs("O+", now, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectExec(`UPDATE blood_units\s+SET status = 'reserved'`).
		WithArgs("req-1", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ids, err := store.Reserve(context.Background(), bloodtype.OPos, 2, 0, "req-1", models.OldestFirst, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserve_ShortfallRollsBack(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY expiry_date DESC`).
		WithArgs("AB-", now, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), bloodtype.ABNeg, 3, 0, "req-2", models.NewestFirst, now)
	var short *ShortfallError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 2, short.Shortfall())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserve_LostRaceRollsBack(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM blood_units`).
		WithArgs("A+", now, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectExec(`UPDATE blood_units`).
		WithArgs("req-3", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), bloodtype.APos, 2, 0, "req-3", models.OldestFirst, now)
	var short *ShortfallError
	require.True(t, errors.As(err, &short))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireBefore(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectQuery(`WITH expired AS`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"reserved_for_request"}).
			AddRow(nil).AddRow("r1").AddRow("r1").AddRow("r2"))

	rep, err := store.ExpireBefore(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Expired)
	assert.Equal(t, 3, rep.Released)
	assert.Equal(t, []string{"r1", "r2"}, rep.RequestIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	_, mock, store := setupMockDB(t)
	cols := []string{"id", "donor_id", "institution_id", "blood_type", "volume_ml", "collection_date", "expiry_date",
		"status", "quality_score", "test_results", "reserved_for_request", "reserved_at", "updated_at"}

	mock.ExpectQuery(`SELECT .* FROM blood_units WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "d1", nil, "O-", 450, now.Add(-time.Hour), now.Add(time.Hour),
			"reserved", 88, []byte(`{"hiv":"negative","hepatitis_b":"negative","hepatitis_c":"negative","syphilis":"negative","malaria":"negative"}`),
			"req-1", now, now))

	u, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, bloodtype.ONeg, u.BloodType)
	assert.Equal(t, models.UnitReserved, u.Status)
	assert.Equal(t, "", u.InstitutionID)
	assert.True(t, u.TestResults.AllNegative())
	require.NotNil(t, u.ReservedForRequest)
	assert.Equal(t, "req-1", *u.ReservedForRequest)

	mock.ExpectQuery(`SELECT .* FROM blood_units WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnitNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkUsed(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectExec(`UPDATE blood_units SET status = 'used'`).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.MarkUsed(context.Background(), "u1", now)
	assert.ErrorIs(t, err, ErrNotReserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountAvailable(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT blood_type, COUNT\(\*\) FROM blood_units`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"blood_type", "count"}).AddRow("O+", 4).AddRow("B-", 1))

	got, err := store.CountAvailable(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, got[bloodtype.OPos])
	assert.Equal(t, 1, got[bloodtype.BNeg])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateTests_GuardsOnStatus(t *testing.T) {
	_, mock, store := setupMockDB(t)
	panel := models.PendingPanel()

	mock.ExpectExec(`UPDATE blood_units\s+SET test_results = \$3, status = \$4`).
		WithArgs("u1", "testing", sqlmock.AnyArg(), "available", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateTests(context.Background(), "u1", panel, models.UnitTesting, models.UnitAvailable, now))

	mock.ExpectExec(`UPDATE blood_units\s+SET test_results`).
		WithArgs("u1", "available", sqlmock.AnyArg(), "available", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	err := store.UpdateTests(context.Background(), "u1", panel, models.UnitAvailable, models.UnitAvailable, now)
	assert.ErrorIs(t, err, ErrStatusChanged)

	mock.ExpectExec(`UPDATE blood_units\s+SET test_results`).
		WithArgs("gone", "available", sqlmock.AnyArg(), "available", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	err = store.UpdateTests(context.Background(), "gone", panel, models.UnitAvailable, models.UnitAvailable, now)
	assert.ErrorIs(t, err, ErrUnitNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserve_RefusesOverHoldLimit(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("req-4").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM blood_units`).
		WithArgs("req-4").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), bloodtype.OPos, 1, 2, "req-4", models.OldestFirst, now)
	var limit *HoldLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 2, limit.Held)
	assert.NoError(t, mock.ExpectationsWereMet())
}
