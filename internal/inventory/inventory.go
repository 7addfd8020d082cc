// Package inventory tracks blood units held by blood banks: intake and
// pathogen screening, atomic reservation against requests, release, and
// the expiry sweep.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/observability"
)

const (
	MinVolumeML = 50
	MaxVolumeML = 500
	MaxUnits    = 10

	// DefaultShelfLife is the storage limit of whole blood in CPDA-1.
	DefaultShelfLife = 35 * 24 * time.Hour
)

var (
	ErrUnitNotFound = errors.New("blood unit not found")
	ErrNotReserved  = errors.New("blood unit is not reserved")

	// ErrStatusChanged is returned by a conditional update when the unit
	// no longer has the status the caller read.
	ErrStatusChanged = errors.New("blood unit status changed")
)

// screenAttempts bounds how often RecordTests re-reads a unit that changed
// under it.
const screenAttempts = 3

// ShortfallError is returned by Store.Reserve when fewer qualifying units
// exist than were requested. Nothing has been reserved when it is returned.
type ShortfallError struct {
	Requested int
	Available int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient units: requested %d, available %d", e.Requested, e.Available)
}

func (e *ShortfallError) Shortfall() int { return e.Requested - e.Available }

// HoldLimitError is returned by Store.Reserve when the reservation would
// leave a request holding more units than it may. Nothing is reserved.
type HoldLimitError struct {
	Held      int
	Requested int
	Max       int
}

func (e *HoldLimitError) Error() string {
	return fmt.Sprintf("request already holds %d of %d units, cannot reserve %d more", e.Held, e.Max, e.Requested)
}

type Filter struct {
	BloodType     bloodtype.Type
	Status        models.UnitStatus
	InstitutionID string
	RequestID     string
	Limit         int
}

// ExpiryReport summarises one expiry sweep.
type ExpiryReport struct {
	Expired    int      `json:"expired"`
	Released   int      `json:"released"`
	RequestIDs []string `json:"request_ids,omitempty"`
}

// Store persists units. Reserve must be all-or-nothing and must never hand
// the same unit to two callers.
type Store interface {
	Insert(ctx context.Context, u *models.BloodUnit) error
	Get(ctx context.Context, id string) (*models.BloodUnit, error)
	List(ctx context.Context, f Filter) ([]models.BloodUnit, error)
	// UpdateTests stores panel and moves the unit from one status to
	// another. It returns ErrStatusChanged when the unit is no longer in
	// from, leaving it untouched.
	UpdateTests(ctx context.Context, id string, panel models.TestPanel, from, to models.UnitStatus, now time.Time) error
	// Reserve fails with *HoldLimitError when maxHeld > 0 and the units
	// already reserved for requestID plus n would exceed it.
	Reserve(ctx context.Context, bt bloodtype.Type, n, maxHeld int, requestID string, pref models.ExpiryPreference, now time.Time) ([]string, error)
	Release(ctx context.Context, requestID string, now time.Time) (int, error)
	MarkUsed(ctx context.Context, id string, now time.Time) error
	ExpireBefore(ctx context.Context, now time.Time) (ExpiryReport, error)
	CountAvailable(ctx context.Context, now time.Time) (map[bloodtype.Type]int, error)
}

type Service struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{Store: store, Logger: logger, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type ReserveInput struct {
	BloodType   bloodtype.Type
	UnitsNeeded int
	RequestID   string
	Preference  models.ExpiryPreference
	// MaxHeld caps the units the request may hold in total; 0 means no cap.
	MaxHeld int
}

type ReserveResult struct {
	Success         bool     `json:"success"`
	ReservedUnitIDs []string `json:"reserved_unit_ids"`
	Reason          string   `json:"reason,omitempty"`
	Shortfall       int      `json:"shortfall,omitempty"`
}

// Reserve earmarks UnitsNeeded units of BloodType for a request. A
// shortfall is reported in the result, not as an error, and leaves the
// inventory untouched.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if !in.BloodType.Valid() {
		return ReserveResult{}, apperr.Field("blood_type", "unknown blood type")
	}
	if in.UnitsNeeded < 1 || in.UnitsNeeded > MaxUnits {
		return ReserveResult{}, apperr.Field("units_needed", fmt.Sprintf("must be between 1 and %d", MaxUnits))
	}
	if in.RequestID == "" {
		return ReserveResult{}, apperr.Field("request_id", "required")
	}
	switch in.Preference {
	case "":
		in.Preference = models.OldestFirst
	case models.OldestFirst, models.NewestFirst:
	default:
		return ReserveResult{}, apperr.Field("expiry_preference", "must be oldest_first or newest_first")
	}

	ids, err := s.Store.Reserve(ctx, in.BloodType, in.UnitsNeeded, in.MaxHeld, in.RequestID, in.Preference, s.now())
	var limit *HoldLimitError
	if errors.As(err, &limit) {
		observability.ReservationsTotal.WithLabelValues("over_limit").Inc()
		return ReserveResult{}, apperr.Conflict(limit.Error())
	}
	var short *ShortfallError
	if errors.As(err, &short) {
		observability.ReservationsTotal.WithLabelValues("shortfall").Inc()
		s.log().Info("reservation shortfall",
			zap.String("request_id", in.RequestID),
			zap.String("blood_type", string(in.BloodType)),
			zap.Int("requested", short.Requested),
			zap.Int("available", short.Available),
		)
		return ReserveResult{
			Success:         false,
			ReservedUnitIDs: []string{},
			Reason:          short.Error(),
			Shortfall:       short.Shortfall(),
		}, nil
	}
	if err != nil {
		observability.ReservationsTotal.WithLabelValues("error").Inc()
		return ReserveResult{}, fmt.Errorf("reserve units: %w", err)
	}
	observability.ReservationsTotal.WithLabelValues("reserved").Inc()
	s.log().Info("units reserved",
		zap.String("request_id", in.RequestID),
		zap.String("blood_type", string(in.BloodType)),
		zap.Strings("unit_ids", ids),
	)
	return ReserveResult{Success: true, ReservedUnitIDs: ids}, nil
}

// Release returns a request's reserved units to stock.
func (s *Service) Release(ctx context.Context, requestID string) (int, error) {
	if requestID == "" {
		return 0, apperr.Field("request_id", "required")
	}
	n, err := s.Store.Release(ctx, requestID, s.now())
	if err != nil {
		return 0, fmt.Errorf("release units for %s: %w", requestID, err)
	}
	if n > 0 {
		s.log().Info("reservation released", zap.String("request_id", requestID), zap.Int("units", n))
	}
	return n, nil
}

// ProcessExpired moves every available or reserved unit past its expiry
// date to expired, dropping any reservation it carried.
func (s *Service) ProcessExpired(ctx context.Context) (ExpiryReport, error) {
	rep, err := s.Store.ExpireBefore(ctx, s.now())
	if err != nil {
		return ExpiryReport{}, fmt.Errorf("expire units: %w", err)
	}
	observability.UnitsExpiredTotal.Add(float64(rep.Expired))
	s.log().Info("expiry sweep finished", zap.Int("expired", rep.Expired), zap.Int("released", rep.Released))
	return rep, nil
}

type NewUnit struct {
	DonorID        string
	InstitutionID  string
	BloodType      bloodtype.Type
	VolumeML       int
	CollectionDate time.Time
	ExpiryDate     time.Time
	QualityScore   int
}

// AddUnit registers a freshly collected unit. It starts in testing with a
// pending panel; only RecordTests can make it available.
func (s *Service) AddUnit(ctx context.Context, in NewUnit) (*models.BloodUnit, error) {
	now := s.now()
	fields := map[string]string{}
	if in.InstitutionID == "" {
		fields["institution_id"] = "required"
	}
	if !in.BloodType.Valid() {
		fields["blood_type"] = "unknown blood type"
	}
	if in.VolumeML < MinVolumeML || in.VolumeML > MaxVolumeML {
		fields["volume_ml"] = fmt.Sprintf("must be between %d and %d", MinVolumeML, MaxVolumeML)
	}
	if in.QualityScore < 0 || in.QualityScore > 100 {
		fields["quality_score"] = "must be between 0 and 100"
	}
	if in.CollectionDate.IsZero() {
		in.CollectionDate = now
	}
	if in.CollectionDate.After(now) {
		fields["collection_date"] = "cannot be in the future"
	}
	if in.ExpiryDate.IsZero() {
		in.ExpiryDate = in.CollectionDate.Add(DefaultShelfLife)
	}
	if !in.ExpiryDate.After(in.CollectionDate) {
		fields["expiry_date"] = "must be after collection_date"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid blood unit", fields)
	}

	u := &models.BloodUnit{
		ID:             uuid.NewString(),
		DonorID:        in.DonorID,
		InstitutionID:  in.InstitutionID,
		BloodType:      in.BloodType,
		VolumeML:       in.VolumeML,
		CollectionDate: in.CollectionDate,
		ExpiryDate:     in.ExpiryDate,
		Status:         models.UnitTesting,
		QualityScore:   in.QualityScore,
		TestResults:    models.PendingPanel(),
		UpdatedAt:      now,
	}
	if err := s.Store.Insert(ctx, u); err != nil {
		return nil, fmt.Errorf("insert unit: %w", err)
	}
	return u, nil
}

// RecordTests stores a screening panel and derives the unit status. The
// write is conditional on the status that was read, so a reservation or
// quarantine landing in between is never overwritten.
func (s *Service) RecordTests(ctx context.Context, id string, panel models.TestPanel) (*models.BloodUnit, error) {
	for name, r := range map[string]models.TestResult{
		"hiv": panel.HIV, "hepatitis_b": panel.HepatitisB, "hepatitis_c": panel.HepatitisC,
		"syphilis": panel.Syphilis, "malaria": panel.Malaria,
	} {
		if r != models.TestNegative && r != models.TestPositive && r != models.TestPending {
			return nil, apperr.Field("test_results."+name, "must be negative, positive or pending")
		}
	}
	for attempt := 1; ; attempt++ {
		u, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := screenedStatus(u.Status, panel)
		if err != nil {
			return nil, err
		}

		now := s.now()
		err = s.Store.UpdateTests(ctx, id, panel, u.Status, next, now)
		if errors.Is(err, ErrStatusChanged) {
			if attempt < screenAttempts {
				continue
			}
			return nil, apperr.Conflict("blood unit changed during screening, retry")
		}
		if errors.Is(err, ErrUnitNotFound) {
			return nil, apperr.NotFound("blood unit")
		}
		if err != nil {
			return nil, fmt.Errorf("update tests for %s: %w", id, err)
		}
		if next == models.UnitQuarantine {
			s.log().Warn("unit quarantined after positive screen", zap.String("unit_id", id))
			u.ReservedForRequest = nil
			u.ReservedAt = nil
		}
		u.TestResults = panel
		u.Status = next
		u.UpdatedAt = now
		return u, nil
	}
}

// screenedStatus derives a unit's status after a screening panel. Any
// positive result quarantines the unit; a complete negative panel releases
// a unit in testing. Otherwise the status, and any reservation, is kept.
func screenedStatus(current models.UnitStatus, panel models.TestPanel) (models.UnitStatus, error) {
	switch current {
	case models.UnitQuarantine:
		return "", apperr.Conflict("quarantined units cannot be re-screened")
	case models.UnitUsed, models.UnitExpired:
		return "", apperr.Conflict("unit is " + string(current))
	}
	switch {
	case panel.AnyPositive():
		return models.UnitQuarantine, nil
	case current == models.UnitTesting && panel.AllNegative():
		return models.UnitAvailable, nil
	}
	return current, nil
}

// MarkUsed records that a reserved unit was transfused.
func (s *Service) MarkUsed(ctx context.Context, id string) error {
	err := s.Store.MarkUsed(ctx, id, s.now())
	switch {
	case errors.Is(err, ErrUnitNotFound):
		return apperr.NotFound("blood unit")
	case errors.Is(err, ErrNotReserved):
		return apperr.Conflict("only reserved units can be marked used")
	}
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*models.BloodUnit, error) {
	u, err := s.Store.Get(ctx, id)
	if errors.Is(err, ErrUnitNotFound) {
		return nil, apperr.NotFound("blood unit")
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", id, err)
	}
	return u, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]models.BloodUnit, error) {
	return s.Store.List(ctx, f)
}

// Held returns how many units are currently reserved for a request.
func (s *Service) Held(ctx context.Context, requestID string) (int, error) {
	units, err := s.Store.List(ctx, Filter{RequestID: requestID, Status: models.UnitReserved})
	if err != nil {
		return 0, fmt.Errorf("list units held by %s: %w", requestID, err)
	}
	return len(units), nil
}

// Summary returns the count of reservable units per blood type, with every
// type present.
func (s *Service) Summary(ctx context.Context) (map[bloodtype.Type]int, error) {
	counts, err := s.Store.CountAvailable(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("count available: %w", err)
	}
	out := make(map[bloodtype.Type]int, len(bloodtype.All))
	for _, bt := range bloodtype.All {
		out[bt] = counts[bt]
	}
	return out, nil
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
