package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/school-carpool/internal/models"
)

var ErrNotFound = errors.New("not found")

// MemoryStore keeps groups and swipe decisions in process. It is used when
// no PG_DSN is configured and by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	groups    map[string]models.CarpoolGroup
	byKey     map[string]string
	decisions map[string][]models.SwipeDecision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:    make(map[string]models.CarpoolGroup),
		byKey:     make(map[string]string),
		decisions: make(map[string][]models.SwipeDecision),
	}
}

func (m *MemoryStore) Create(_ context.Context, g models.CarpoolGroup) (models.CarpoolGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[g.IdempotencyKey]; ok {
		return m.groups[id], false, nil
	}
	m.groups[g.ID] = g
	m.byKey[g.IdempotencyKey] = g.ID
	return g, true, nil
}

func (m *MemoryStore) Group(_ context.Context, id string) (models.CarpoolGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return models.CarpoolGroup{}, ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) FindByKey(_ context.Context, key string) (models.CarpoolGroup, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.CarpoolGroup{}, false, nil
	}
	return m.groups[id], true, nil
}

// ActiveByAdmin returns the admin's active groups oldest first.
func (m *MemoryStore) ActiveByAdmin(_ context.Context, adminID string) ([]models.CarpoolGroup, error) {
	m.mu.RLock()
	var out []models.CarpoolGroup
	for _, g := range m.groups {
		if g.AdminID == adminID && g.Status == models.GroupStatusActive {
			out = append(out, g)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Append records a swipe decision. It satisfies swipe.DecisionLog.
func (m *MemoryStore) Append(_ context.Context, d models.SwipeDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.UserID] = append(m.decisions[d.UserID], d)
	return nil
}

func (m *MemoryStore) Decisions(ctx context.Context, userID string) ([]models.SwipeDecision, error) {
	return m.DecisionsSince(ctx, userID, time.Time{})
}

// DecisionsSince returns userID's decisions at or after since, oldest first.
// It satisfies swipe.DecisionHistory.
func (m *MemoryStore) DecisionsSince(_ context.Context, userID string, since time.Time) ([]models.SwipeDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SwipeDecision
	for _, d := range m.decisions[userID] {
		if !d.At.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}
