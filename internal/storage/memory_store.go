package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/bloodlink/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*models.BloodRequest
	history   map[string][]models.StatusChange
	responses map[string][]*models.DonorResponse
	donors    map[string]*models.Donor
	prefs     map[string]models.NotificationPreferences
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*models.BloodRequest),
		history:   make(map[string][]models.StatusChange),
		responses: make(map[string][]*models.DonorResponse),
		donors:    make(map[string]*models.Donor),
		prefs:     make(map[string]models.NotificationPreferences),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.BloodRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.BloodRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, c *models.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[c.RequestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != c.PreviousStatus {
		return ErrStatusChanged
	}
	r.Status = c.NewStatus
	r.UpdatedAt = c.CreatedAt
	m.nextID++
	c.ID = m.nextID
	m.history[c.RequestID] = append(m.history[c.RequestID], *c)
	return nil
}

func (m *MemoryStore) History(_ context.Context, requestID string) ([]models.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.StatusChange{}, m.history[requestID]...), nil
}

func (m *MemoryStore) UpsertResponse(_ context.Context, resp *models.DonorResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[resp.RequestID]; !ok {
		return ErrNotFound
	}
	for _, prev := range m.responses[resp.RequestID] {
		if prev.DonorID == resp.DonorID && prev.Status == models.ResponseActive {
			prev.Status = models.ResponseWithdrawn
		}
	}
	cp := *resp
	cp.Status = models.ResponseActive
	resp.Status = cp.Status
	m.responses[resp.RequestID] = append(m.responses[resp.RequestID], &cp)
	return nil
}

func (m *MemoryStore) ListResponses(_ context.Context, requestID string) ([]models.DonorResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DonorResponse, 0, len(m.responses[requestID]))
	for _, r := range m.responses[requestID] {
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryStore) FulfillAccepted(_ context.Context, requestID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var donors []string
	for _, r := range m.responses[requestID] {
		if r.Status != models.ResponseActive || r.ResponseType != models.ResponseAccept {
			continue
		}
		r.Status = models.ResponseFulfilled
		t := at
		r.ConfirmedAt = &t
		donors = append(donors, r.DonorID)
	}
	return donors, nil
}

func (m *MemoryStore) UpsertDonor(_ context.Context, d *models.Donor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.donors[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDonor(_ context.Context, id string) (*models.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// IncrementDonations skips donors without a profile.
func (m *MemoryStore) IncrementDonations(_ context.Context, donorIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range donorIDs {
		d, ok := m.donors[id]
		if !ok {
			continue
		}
		d.SuccessfulDonations++
		t := at
		d.LastDonationAt = &t
		d.Updated = at
	}
	return nil
}

func (m *MemoryStore) GetPreferences(_ context.Context, userID string) (models.NotificationPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return models.NotificationPreferences{UserID: userID}, nil
}

func (m *MemoryStore) SavePreferences(_ context.Context, p models.NotificationPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
	return nil
}
