package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Open connects and pings; the caller owns the returned *sql.DB.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const requestColumns = `id, patient_name, contact_phone, blood_type, units_needed, urgency, status,
	lat, lng, address, requester_id, institution_id, notes, needed_by, created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.BloodRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO blood_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.PatientName, nullString(r.ContactPhone), string(r.BloodType), r.UnitsNeeded, string(r.Urgency), string(r.Status),
		r.Location.Lat, r.Location.Lng, nullString(r.Location.Address), r.RequesterID, nullString(r.InstitutionID),
		nullString(r.Notes), r.NeededBy, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.BloodRequest, error) {
	var (
		r                           models.BloodRequest
		phone, address, inst, notes sql.NullString
		bt, urgency, status         string
		neededBy                    sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM blood_requests WHERE id = $1`, id).Scan(
		&r.ID, &r.PatientName, &phone, &bt, &r.UnitsNeeded, &urgency, &status,
		&r.Location.Lat, &r.Location.Lng, &address, &r.RequesterID, &inst, &notes, &neededBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ContactPhone = phone.String
	r.Location.Address = address.String
	r.InstitutionID = inst.String
	r.Notes = notes.String
	r.BloodType = bloodtype.Type(bt)
	r.Urgency = models.Urgency(urgency)
	r.Status = models.RequestStatus(status)
	if neededBy.Valid {
		t := neededBy.Time
		r.NeededBy = &t
	}
	return &r, nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, c *models.StatusChange) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE blood_requests SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`, c.RequestID, string(c.PreviousStatus), string(c.NewStatus), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blood_requests WHERE id = $1)`, c.RequestID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusChanged
	}

	err = tx.QueryRowContext(ctx, `INSERT INTO request_status_history(request_id, previous_status, new_status, actor_id, note, created_at)
		VALUES($1,$2,$3,$4,$5,$6) RETURNING id`,
		c.RequestID, string(c.PreviousStatus), string(c.NewStatus), c.ActorID, nullString(c.Note), c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, requestID string) ([]models.StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, previous_status, new_status, actor_id, note, created_at
		FROM request_status_history WHERE request_id = $1 ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.StatusChange{}
	for rows.Next() {
		var (
			c          models.StatusChange
			prev, next string
			note       sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.RequestID, &prev, &next, &c.ActorID, &note, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.PreviousStatus = models.RequestStatus(prev)
		c.NewStatus = models.RequestStatus(next)
		c.Note = note.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertResponse(ctx context.Context, resp *models.DonorResponse) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE donor_responses SET status = 'withdrawn'
		WHERE request_id = $1 AND donor_id = $2 AND status = 'active'`, resp.RequestID, resp.DonorID); err != nil {
		return fmt.Errorf("withdraw previous: %w", err)
	}
	resp.Status = models.ResponseActive
	_, err = tx.ExecContext(ctx, `INSERT INTO donor_responses(id, request_id, donor_id, response_type, eta_minutes, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		resp.ID, resp.RequestID, resp.DonorID, string(resp.ResponseType), resp.ETAMinutes, string(resp.Status), resp.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("insert response: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListResponses(ctx context.Context, requestID string) ([]models.DonorResponse, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, donor_id, response_type, eta_minutes, status, confirmed_at, created_at
		FROM donor_responses WHERE request_id = $1 ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.DonorResponse{}
	for rows.Next() {
		var (
			r           models.DonorResponse
			rt, status  string
			confirmedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.DonorID, &rt, &r.ETAMinutes, &status, &confirmedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ResponseType = models.ResponseType(rt)
		r.Status = models.ResponseStatus(status)
		if confirmedAt.Valid {
			t := confirmedAt.Time
			r.ConfirmedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FulfillAccepted(ctx context.Context, requestID string, at time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE donor_responses SET status = 'fulfilled', confirmed_at = $2
		WHERE request_id = $1 AND status = 'active' AND response_type = 'accept'
		RETURNING donor_id`, requestID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var donors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		donors = append(donors, id)
	}
	return donors, rows.Err()
}

func (p *PostgresStore) UpsertDonor(ctx context.Context, d *models.Donor) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO donors(id, name, blood_type, lat, lng, available, location_sharing,
			response_rate, avg_response_minutes, rating, successful_donations, last_donation_at, phone, email, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, blood_type = EXCLUDED.blood_type,
			lat = EXCLUDED.lat, lng = EXCLUDED.lng, available = EXCLUDED.available,
			location_sharing = EXCLUDED.location_sharing, response_rate = EXCLUDED.response_rate,
			avg_response_minutes = EXCLUDED.avg_response_minutes, rating = EXCLUDED.rating,
			phone = EXCLUDED.phone, email = EXCLUDED.email, updated_at = EXCLUDED.updated_at`,
		d.ID, nullString(d.Name), string(d.BloodType), d.Loc.Lat, d.Loc.Lng, d.Available, d.LocationSharing,
		d.ResponseRate, d.AvgResponseMinutes, d.Rating, d.SuccessfulDonations, d.LastDonationAt,
		nullString(d.Phone), nullString(d.Email), d.Updated)
	return err
}

func (p *PostgresStore) GetDonor(ctx context.Context, id string) (*models.Donor, error) {
	var (
		d                  models.Donor
		name, phone, email sql.NullString
		bt                 string
		lastDonation       sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, name, blood_type, lat, lng, available, location_sharing,
			response_rate, avg_response_minutes, rating, successful_donations, last_donation_at, phone, email, updated_at
		FROM donors WHERE id = $1`, id).Scan(
		&d.ID, &name, &bt, &d.Loc.Lat, &d.Loc.Lng, &d.Available, &d.LocationSharing,
		&d.ResponseRate, &d.AvgResponseMinutes, &d.Rating, &d.SuccessfulDonations, &lastDonation, &phone, &email, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Name = name.String
	d.Phone = phone.String
	d.Email = email.String
	d.BloodType = bloodtype.Type(bt)
	if lastDonation.Valid {
		t := lastDonation.Time
		d.LastDonationAt = &t
	}
	return &d, nil
}

func (p *PostgresStore) IncrementDonations(ctx context.Context, donorIDs []string, at time.Time) error {
	if len(donorIDs) == 0 {
		return nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE donors
		SET successful_donations = successful_donations + 1, last_donation_at = $2, updated_at = $2
		WHERE id = ANY($1)`, pq.Array(donorIDs), at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && int(n) != len(donorIDs) {
		p.logger.Warn("some responders have no donor profile",
			zap.Int("responders", len(donorIDs)), zap.Int64("updated", n))
	}
	return nil
}

func (p *PostgresStore) GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	prefs := models.NotificationPreferences{UserID: userID}
	var (
		disabled                         []string
		tz, phone, email, push, whatsapp sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT disabled_channels, quiet_enabled, quiet_start_hour, quiet_end_hour, timezone,
			phone, email, push_token, whatsapp
		FROM notification_preferences WHERE user_id = $1`, userID).Scan(
		pq.Array(&disabled), &prefs.QuietHours.Enabled, &prefs.QuietHours.StartHour, &prefs.QuietHours.EndHour, &tz,
		&phone, &email, &push, &whatsapp)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs, nil
	}
	if err != nil {
		return prefs, err
	}
	if len(disabled) > 0 {
		prefs.Disabled = make(map[models.Channel]bool, len(disabled))
		for _, ch := range disabled {
			prefs.Disabled[models.Channel(ch)] = true
		}
	}
	prefs.QuietHours.Timezone = tz.String
	prefs.Phone = phone.String
	prefs.Email = email.String
	prefs.PushToken = push.String
	prefs.WhatsApp = whatsapp.String
	return prefs, nil
}

func (p *PostgresStore) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	disabled := make([]string, 0, len(prefs.Disabled))
	for ch, off := range prefs.Disabled {
		if off {
			disabled = append(disabled, string(ch))
		}
	}
	sort.Strings(disabled)
	_, err := p.db.ExecContext(ctx, `INSERT INTO notification_preferences(user_id, disabled_channels, quiet_enabled,
			quiet_start_hour, quiet_end_hour, timezone, phone, email, push_token, whatsapp, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (user_id) DO UPDATE SET disabled_channels = EXCLUDED.disabled_channels,
			quiet_enabled = EXCLUDED.quiet_enabled, quiet_start_hour = EXCLUDED.quiet_start_hour,
			quiet_end_hour = EXCLUDED.quiet_end_hour, timezone = EXCLUDED.timezone, phone = EXCLUDED.phone,
			email = EXCLUDED.email, push_token = EXCLUDED.push_token, whatsapp = EXCLUDED.whatsapp,
			updated_at = now()`,
		prefs.UserID, pq.Array(disabled), prefs.QuietHours.Enabled, prefs.QuietHours.StartHour, prefs.QuietHours.EndHour,
		nullString(prefs.QuietHours.Timezone), nullString(prefs.Phone), nullString(prefs.Email),
		nullString(prefs.PushToken), nullString(prefs.WhatsApp))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
