package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

// MemoryStore keeps units in one shard per blood type. Reservation locks
// only the shard of the requested type, so concurrent reservations of the
// same type are serialised while other types proceed. Capped reservations
// additionally hold capped, since a request's units may span shards.
type MemoryStore struct {
	mu     sync.RWMutex // guards byID
	byID   map[string]bloodtype.Type
	shards map[bloodtype.Type]*shard
	capped sync.Mutex
}

type shard struct {
	mu    sync.Mutex
	units map[string]*models.BloodUnit
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		byID:   make(map[string]bloodtype.Type),
		shards: make(map[bloodtype.Type]*shard, len(bloodtype.All)),
	}
	for _, bt := range bloodtype.All {
		m.shards[bt] = &shard{units: make(map[string]*models.BloodUnit)}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) (*shard, bool) {
	m.mu.RLock()
	bt, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.shards[bt], true
}

func clone(u *models.BloodUnit) models.BloodUnit {
	c := *u
	if u.ReservedForRequest != nil {
		r := *u.ReservedForRequest
		c.ReservedForRequest = &r
	}
	if u.ReservedAt != nil {
		t := *u.ReservedAt
		c.ReservedAt = &t
	}
	return c
}

func (m *MemoryStore) Insert(_ context.Context, u *models.BloodUnit) error {
	sh, ok := m.shards[u.BloodType]
	if !ok {
		return fmt.Errorf("unknown blood type %q", u.BloodType)
	}
	c := clone(u)
	sh.mu.Lock()
	sh.units[u.ID] = &c
	sh.mu.Unlock()
	m.mu.Lock()
	m.byID[u.ID] = u.BloodType
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.BloodUnit, error) {
	sh, ok := m.shardFor(id)
	if !ok {
		return nil, ErrUnitNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u, ok := sh.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	c := clone(u)
	return &c, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]models.BloodUnit, error) {
	out := []models.BloodUnit{}
	for _, bt := range bloodtype.All {
		if f.BloodType != "" && f.BloodType != bt {
			continue
		}
		sh := m.shards[bt]
		sh.mu.Lock()
		for _, u := range sh.units {
			if f.Status != "" && u.Status != f.Status {
				continue
			}
			if f.InstitutionID != "" && u.InstitutionID != f.InstitutionID {
				continue
			}
			if f.RequestID != "" && (u.ReservedForRequest == nil || *u.ReservedForRequest != f.RequestID) {
				continue
			}
			out = append(out, clone(u))
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTests(_ context.Context, id string, panel models.TestPanel, from, to models.UnitStatus, now time.Time) error {
	sh, ok := m.shardFor(id)
	if !ok {
		return ErrUnitNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u, ok := sh.units[id]
	if !ok {
		return ErrUnitNotFound
	}
	if u.Status != from {
		return ErrStatusChanged
	}
	u.TestResults = panel
	u.Status = to
	if to != models.UnitReserved {
		u.ReservedForRequest = nil
		u.ReservedAt = nil
	}
	u.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, bt bloodtype.Type, n, maxHeld int, requestID string, pref models.ExpiryPreference, now time.Time) ([]string, error) {
	sh, ok := m.shards[bt]
	if !ok {
		return nil, &ShortfallError{Requested: n}
	}
	if maxHeld > 0 {
		m.capped.Lock()
		defer m.capped.Unlock()
		if held := m.heldBy(requestID); held+n > maxHeld {
			return nil, &HoldLimitError{Held: held, Requested: n, Max: maxHeld}
		}
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cands := make([]*models.BloodUnit, 0, len(sh.units))
	for _, u := range sh.units {
		if u.Reservable(now) {
			cands = append(cands, u)
		}
	}
	if len(cands) < n {
		return nil, &ShortfallError{Requested: n, Available: len(cands)}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			if pref == models.NewestFirst {
				return a.ExpiryDate.After(b.ExpiryDate)
			}
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		return a.ID < b.ID
	})

	ids := make([]string, 0, n)
	for _, u := range cands[:n] {
		req := requestID
		at := now
		u.Status = models.UnitReserved
		u.ReservedForRequest = &req
		u.ReservedAt = &at
		u.UpdatedAt = now
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (m *MemoryStore) heldBy(requestID string) int {
	held := 0
	for _, bt := range bloodtype.All {
		sh := m.shards[bt]
		sh.mu.Lock()
		for _, u := range sh.units {
			if u.Status == models.UnitReserved && u.ReservedForRequest != nil && *u.ReservedForRequest == requestID {
				held++
			}
		}
		sh.mu.Unlock()
	}
	return held
}

func (m *MemoryStore) Release(_ context.Context, requestID string, now time.Time) (int, error) {
	released := 0
	for _, bt := range bloodtype.All {
		sh := m.shards[bt]
		sh.mu.Lock()
		for _, u := range sh.units {
			if u.Status != models.UnitReserved || u.ReservedForRequest == nil || *u.ReservedForRequest != requestID {
				continue
			}
			if u.ExpiryDate.After(now) {
				u.Status = models.UnitAvailable
			} else {
				u.Status = models.UnitExpired
			}
			u.ReservedForRequest = nil
			u.ReservedAt = nil
			u.UpdatedAt = now
			released++
		}
		sh.mu.Unlock()
	}
	return released, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, id string, now time.Time) error {
	sh, ok := m.shardFor(id)
	if !ok {
		return ErrUnitNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u, ok := sh.units[id]
	if !ok {
		return ErrUnitNotFound
	}
	if u.Status != models.UnitReserved {
		return ErrNotReserved
	}
	u.Status = models.UnitUsed
	u.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ExpireBefore(_ context.Context, now time.Time) (ExpiryReport, error) {
	rep := ExpiryReport{}
	seen := map[string]bool{}
	for _, bt := range bloodtype.All {
		sh := m.shards[bt]
		sh.mu.Lock()
		for _, u := range sh.units {
			if u.ExpiryDate.After(now) {
				continue
			}
			if u.Status != models.UnitAvailable && u.Status != models.UnitReserved {
				continue
			}
			if u.ReservedForRequest != nil {
				rep.Released++
				if !seen[*u.ReservedForRequest] {
					seen[*u.ReservedForRequest] = true
					rep.RequestIDs = append(rep.RequestIDs, *u.ReservedForRequest)
				}
			}
			u.Status = models.UnitExpired
			u.ReservedForRequest = nil
			u.ReservedAt = nil
			u.UpdatedAt = now
			rep.Expired++
		}
		sh.mu.Unlock()
	}
	sort.Strings(rep.RequestIDs)
	return rep, nil
}

func (m *MemoryStore) CountAvailable(_ context.Context, now time.Time) (map[bloodtype.Type]int, error) {
	out := make(map[bloodtype.Type]int)
	for _, bt := range bloodtype.All {
		sh := m.shards[bt]
		sh.mu.Lock()
		for _, u := range sh.units {
			if u.Reservable(now) {
				out[bt]++
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}
