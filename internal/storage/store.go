package storage

import (
	"context"
	"sync"

	"github.com/example/ride-convoy/internal/models"
)

// ParticipantStore is the authoritative roster store. The local roster view
// is a read-through cache over it; approval is never shown before the store
// write succeeds.
type ParticipantStore interface {
	InsertParticipant(ctx context.Context, p *models.Participant) error
	UpdateApprovalState(ctx context.Context, p *models.Participant) error
	UpdateTracking(ctx context.Context, sessionID, userID string, active bool) error
	DeleteParticipant(ctx context.Context, sessionID, userID string) error
	GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error)
	GetParticipantByID(ctx context.Context, id string) (*models.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error)
}

// DestinationStore persists the leader's shared destination, one per session.
type DestinationStore interface {
	UpsertDestination(ctx context.Context, d *models.SharedDestination) error
	DeleteDestination(ctx context.Context, sessionID string) error
	GetDestination(ctx context.Context, sessionID string) (*models.SharedDestination, error)
}

// MemoryStore backs both stores in memory for local runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*models.Participant       // participant ID → record
	byMember     map[string]string                    // sessionID+"/"+userID → participant ID
	destinations map[string]*models.SharedDestination // sessionID → destination
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*models.Participant),
		byMember:     make(map[string]string),
		destinations: make(map[string]*models.SharedDestination),
	}
}

func memberKey(sessionID, userID string) string { return sessionID + "/" + userID }

func (m *MemoryStore) InsertParticipant(ctx context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants[p.ID] = &cp
	m.byMember[memberKey(p.SessionID, p.UserID)] = p.ID
	return nil
}

func (m *MemoryStore) UpdateApprovalState(ctx context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.participants[p.ID]
	if !ok {
		return models.ErrNotFound
	}
	cur.ApprovalState = p.ApprovalState
	cur.ApprovedAt = p.ApprovedAt
	cur.ApprovedBy = p.ApprovedBy
	return nil
}

func (m *MemoryStore) UpdateTracking(ctx context.Context, sessionID, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMember[memberKey(sessionID, userID)]
	if !ok {
		return models.ErrNotFound
	}
	m.participants[id].TrackingActive = active
	return nil
}

func (m *MemoryStore) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memberKey(sessionID, userID)
	id, ok := m.byMember[key]
	if !ok {
		return models.ErrNotFound
	}
	delete(m.participants, id)
	delete(m.byMember, key)
	return nil
}

func (m *MemoryStore) GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMember[memberKey(sessionID, userID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *m.participants[id]
	return &cp, nil
}

func (m *MemoryStore) GetParticipantByID(ctx context.Context, id string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Participant
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertDestination(ctx context.Context, d *models.SharedDestination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.destinations[d.SessionID] = &cp
	return nil
}

func (m *MemoryStore) DeleteDestination(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.destinations, sessionID)
	return nil
}

func (m *MemoryStore) GetDestination(ctx context.Context, sessionID string) (*models.SharedDestination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
