// Package services – MemoryStore
//
// In-process SessionStore backed by maps guarded by a mutex. Sessions do not
// survive a restart; used by default and throughout the tests.

package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// MemoryStore keeps sessions in process memory. Sessions do not survive a
// restart, and verification rooms of lost sessions stay behind as orphans.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.VerificationSession
	byUser map[string]string
	byRoom map[string]string

	Now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*domain.VerificationSession),
		byUser: make(map[string]string),
		byRoom: make(map[string]string),
		Now:    time.Now,
	}
}

// Create assigns ID and timestamps to s and stores a copy. It returns
// ErrDuplicateSession when the user already has a session in the room or the
// verification room is taken.
func (m *MemoryStore) Create(_ context.Context, s *domain.VerificationSession) error {
	if err := prepareNew(s, m.Now()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userRoomKey(s.UserID, s.MainRoomID)
	if _, ok := m.byUser[key]; ok {
		return ErrDuplicateSession
	}
	if _, ok := m.byID[s.ID]; ok {
		return ErrDuplicateSession
	}
	if room := s.RoomID(); room != "" {
		if _, ok := m.byRoom[room]; ok {
			return ErrDuplicateSession
		}
		m.byRoom[room] = s.ID
	}
	m.byUser[key] = s.ID
	m.byID[s.ID] = s.Clone()
	return nil
}

// FindByID returns a copy of the session, or ErrSessionNotFound.
func (m *MemoryStore) FindByID(_ context.Context, id string) (*domain.VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

// FindByUser returns the session of userID in mainRoomID.
func (m *MemoryStore) FindByUser(_ context.Context, userID, mainRoomID string) (*domain.VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byUser[userRoomKey(userID, mainRoomID)])
}

// FindByVerificationRoom returns the session owning roomID.
func (m *MemoryStore) FindByVerificationRoom(_ context.Context, roomID string) (*domain.VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byRoom[roomID])
}

func (m *MemoryStore) get(id string) (*domain.VerificationSession, error) {
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Update replaces the stored session when its status still equals expected,
// otherwise it returns ErrStaleSession.
func (m *MemoryStore) Update(_ context.Context, s *domain.VerificationSession, expected domain.SessionStatus) error {
	if err := checkUpdate(s, expected); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[s.ID]
	if !ok || cur.Status != expected {
		return ErrStaleSession
	}
	newRoom, oldRoom := s.RoomID(), cur.RoomID()
	if newRoom != oldRoom {
		if owner, taken := m.byRoom[newRoom]; taken && owner != s.ID {
			return ErrDuplicateSession
		}
		delete(m.byRoom, oldRoom)
		if newRoom != "" {
			m.byRoom[newRoom] = s.ID
		}
	}
	next := s.Clone()
	next.UserID, next.MainRoomID, next.CreatedAt = cur.UserID, cur.MainRoomID, cur.CreatedAt
	next.UpdatedAt = m.Now().UTC()
	s.UpdatedAt = next.UpdatedAt
	m.byID[s.ID] = next
	return nil
}

// Remove deletes the session and its lookups. Unknown ids are ignored.
func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byID, id)
	delete(m.byUser, userRoomKey(s.UserID, s.MainRoomID))
	if room := s.RoomID(); room != "" {
		delete(m.byRoom, room)
	}
	return nil
}

// ListPage returns sessions newest first plus the total count.
func (m *MemoryStore) ListPage(_ context.Context, offset, limit int) ([]domain.VerificationSession, int64, error) {
	offset, limit = pageBounds(offset, limit)
	all := m.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []domain.VerificationSession{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// ListStale returns non-terminal sessions created before before.
func (m *MemoryStore) ListStale(_ context.Context, before time.Time) ([]domain.VerificationSession, error) {
	var out []domain.VerificationSession
	for _, s := range m.snapshot() {
		if s.Status.Pending() && s.CreatedAt.Before(before) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Stats counts sessions per status.
func (m *MemoryStore) Stats(_ context.Context) (map[domain.SessionStatus]int64, error) {
	out := make(map[domain.SessionStatus]int64, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		out[st] = 0
	}
	for _, s := range m.snapshot() {
		out[s.Status]++
	}
	return out, nil
}

func (m *MemoryStore) snapshot() []domain.VerificationSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.VerificationSession, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, *s.Clone())
	}
	return out
}
