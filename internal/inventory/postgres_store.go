package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

// PostgresStore keeps units in the blood_units table. Reservation runs in
// one transaction: candidate rows are locked with FOR UPDATE SKIP LOCKED
// and then flipped with a conditional update whose row count must match.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const unitColumns = `id, donor_id, institution_id, blood_type, volume_ml, collection_date, expiry_date,
	status, quality_score, test_results, reserved_for_request, reserved_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, u *models.BloodUnit) error {
	tests, err := json.Marshal(u.TestResults)
	if err != nil {
		return fmt.Errorf("encode test results: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO blood_units(`+unitColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.ID, nullString(u.DonorID), nullString(u.InstitutionID), string(u.BloodType), u.VolumeML,
		u.CollectionDate, u.ExpiryDate, string(u.Status), u.QualityScore, string(tests),
		u.ReservedForRequest, u.ReservedAt, u.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*models.BloodUnit, error) {
	var (
		u               models.BloodUnit
		donorID, instID sql.NullString
		bt, status      string
		tests           []byte
		reservedFor     sql.NullString
		reservedAt      sql.NullTime
	)
	if err := row.Scan(&u.ID, &donorID, &instID, &bt, &u.VolumeML, &u.CollectionDate, &u.ExpiryDate,
		&status, &u.QualityScore, &tests, &reservedFor, &reservedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.DonorID = donorID.String
	u.InstitutionID = instID.String
	u.BloodType = bloodtype.Type(bt)
	u.Status = models.UnitStatus(status)
	if len(tests) > 0 {
		if err := json.Unmarshal(tests, &u.TestResults); err != nil {
			return nil, fmt.Errorf("decode test results for %s: %w", u.ID, err)
		}
	}
	if reservedFor.Valid {
		r := reservedFor.String
		u.ReservedForRequest = &r
	}
	if reservedAt.Valid {
		t := reservedAt.Time
		u.ReservedAt = &t
	}
	return &u, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.BloodUnit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM blood_units WHERE id = $1`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnitNotFound
	}
	return u, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]models.BloodUnit, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BloodType != "" {
		add("blood_type = $%d", string(f.BloodType))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.InstitutionID != "" {
		add("institution_id = $%d", f.InstitutionID)
	}
	if f.RequestID != "" {
		add("reserved_for_request = $%d", f.RequestID)
	}
	q := `SELECT ` + unitColumns + ` FROM blood_units`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY expiry_date ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.BloodUnit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateTests(ctx context.Context, id string, panel models.TestPanel, from, to models.UnitStatus, now time.Time) error {
	tests, err := json.Marshal(panel)
	if err != nil {
		return fmt.Errorf("encode test results: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE blood_units
		SET test_results = $3, status = $4,
			reserved_for_request = CASE WHEN $4 = 'reserved' THEN reserved_for_request ELSE NULL END,
			reserved_at = CASE WHEN $4 = 'reserved' THEN reserved_at ELSE NULL END,
			updated_at = $5
		WHERE id = $1 AND status = $2`, id, string(from), string(tests), string(to), now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blood_units WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnitNotFound
	}
	return ErrStatusChanged
}

func (p *PostgresStore) Reserve(ctx context.Context, bt bloodtype.Type, n, maxHeld int, requestID string, pref models.ExpiryPreference, now time.Time) ([]string, error) {
	order := "ASC"
	if pref == models.NewestFirst {
		order = "DESC"
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxHeld > 0 {
		// serialises capped reservations for one request across instances
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, requestID); err != nil {
			return nil, fmt.Errorf("lock request %s: %w", requestID, err)
		}
		var held int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blood_units
			WHERE reserved_for_request = $1 AND status = 'reserved'`, requestID).Scan(&held); err != nil {
			return nil, fmt.Errorf("count held units: %w", err)
		}
		if held+n > maxHeld {
			return nil, &HoldLimitError{Held: held, Requested: n, Max: maxHeld}
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM blood_units
		WHERE blood_type = $1 AND status = 'available' AND expiry_date > $2
		ORDER BY expiry_date `+order+`, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, string(bt), now, n)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	ids := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) < n {
		return nil, &ShortfallError{Requested: n, Available: len(ids)}
	}

	res, err := tx.ExecContext(ctx, `UPDATE blood_units
		SET status = 'reserved', reserved_for_request = $1, reserved_at = $2, updated_at = $2
		WHERE id = ANY($3) AND status = 'available'`, requestID, now, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("mark reserved: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if int(affected) != n {
		p.logger.Warn("reservation lost a race, rolling back",
			zap.String("request_id", requestID), zap.Int64("affected", affected), zap.Int("wanted", n))
		return nil, &ShortfallError{Requested: n, Available: int(affected)}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func (p *PostgresStore) Release(ctx context.Context, requestID string, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE blood_units
		SET status = CASE WHEN expiry_date > $2 THEN 'available' ELSE 'expired' END,
			reserved_for_request = NULL, reserved_at = NULL, updated_at = $2
		WHERE reserved_for_request = $1 AND status = 'reserved'`, requestID, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) MarkUsed(ctx context.Context, id string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE blood_units SET status = 'used', updated_at = $2
		WHERE id = $1 AND status = 'reserved'`, id, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blood_units WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnitNotFound
	}
	return ErrNotReserved
}

func (p *PostgresStore) ExpireBefore(ctx context.Context, now time.Time) (ExpiryReport, error) {
	rows, err := p.db.QueryContext(ctx, `WITH expired AS (
			SELECT id, reserved_for_request FROM blood_units
			WHERE expiry_date <= $1 AND status IN ('available', 'reserved')
			FOR UPDATE
		)
		UPDATE blood_units b
		SET status = 'expired', reserved_for_request = NULL, reserved_at = NULL, updated_at = $1
		FROM expired e
		WHERE b.id = e.id
		RETURNING e.reserved_for_request`, now)
	if err != nil {
		return ExpiryReport{}, err
	}
	defer rows.Close()
	rep := ExpiryReport{}
	seen := map[string]bool{}
	for rows.Next() {
		var reqID sql.NullString
		if err := rows.Scan(&reqID); err != nil {
			return ExpiryReport{}, err
		}
		rep.Expired++
		if reqID.Valid {
			rep.Released++
			if !seen[reqID.String] {
				seen[reqID.String] = true
				rep.RequestIDs = append(rep.RequestIDs, reqID.String)
			}
		}
	}
	return rep, rows.Err()
}

func (p *PostgresStore) CountAvailable(ctx context.Context, now time.Time) (map[bloodtype.Type]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT blood_type, COUNT(*) FROM blood_units
		WHERE status = 'available' AND expiry_date > $1
		GROUP BY blood_type`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[bloodtype.Type]int)
	for rows.Next() {
		var (
			bt string
			n  int
		)
		if err := rows.Scan(&bt, &n); err != nil {
			return nil, err
		}
		out[bloodtype.Type(bt)] = n
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
