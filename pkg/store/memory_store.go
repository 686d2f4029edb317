package store

import (
	"context"
	"sync"
	"time"

	"chatlinker/pkg/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps users, extraction records and chat logs in-process.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	extractions map[string]domain.ExtractionRecord
	orders      []string // extraction ids in insertion order
	chats       map[string][]domain.ChatMessage
	seqs        map[string]int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		extractions: make(map[string]domain.ExtractionRecord),
		chats:       make(map[string][]domain.ChatMessage),
		seqs:        make(map[string]int64),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateExtraction stores a new record. Existing ids are rejected.
func (m *MemoryStore) CreateExtraction(_ context.Context, rec domain.ExtractionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.extractions[rec.ID]; exists {
		return errDuplicateID
	}
	m.extractions[rec.ID] = rec
	m.orders = append(m.orders, rec.ID)
	return nil
}

// GetExtraction retrieves a record by ID.
func (m *MemoryStore) GetExtraction(_ context.Context, id string) (domain.ExtractionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.extractions[id]
	return rec, ok, nil
}

// CompleteExtraction moves a pending record to completed with content.
func (m *MemoryStore) CompleteExtraction(_ context.Context, id, content string) error {
	return m.finish(id, domain.ExtractionCompleted, content)
}

// FailExtraction moves a pending record to failed.
func (m *MemoryStore) FailExtraction(_ context.Context, id string) error {
	return m.finish(id, domain.ExtractionFailed, "")
}

func (m *MemoryStore) finish(id string, status domain.ExtractionStatus, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.extractions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != domain.ExtractionPending {
		return ErrAlreadyTerminal
	}
	rec.Status = status
	rec.Content = content
	rec.UpdatedAt = time.Now().UTC()
	m.extractions[id] = rec
	return nil
}

// FailPendingBefore fails pending records created before cutoff.
func (m *MemoryStore) FailPendingBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, rec := range m.extractions {
		if rec.Status != domain.ExtractionPending || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		rec.Status = domain.ExtractionFailed
		rec.Content = ""
		rec.UpdatedAt = now
		m.extractions[id] = rec
		n++
	}
	return n, nil
}

// LatestExtraction returns the user's most recently created record.
// Ties on CreatedAt go to the later insertion.
func (m *MemoryStore) LatestExtraction(_ context.Context, userID string) (domain.ExtractionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest domain.ExtractionRecord
		found  bool
	)
	for _, id := range m.orders {
		rec, ok := m.extractions[id]
		if !ok || rec.UserID != userID {
			continue
		}
		if !found || !rec.CreatedAt.Before(latest.CreatedAt) {
			latest = rec
			found = true
		}
	}
	return latest, found, nil
}

// ListExtractions returns the user's records in insertion order.
func (m *MemoryStore) ListExtractions(_ context.Context, userID string) ([]domain.ExtractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ExtractionRecord, 0)
	for _, id := range m.orders {
		if rec, ok := m.extractions[id]; ok && rec.UserID == userID {
			res = append(res, rec)
		}
	}
	return res, nil
}

// DeleteExtractions removes every record owned by the user.
func (m *MemoryStore) DeleteExtractions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	filtered := m.orders[:0]
	for _, id := range m.orders {
		if rec, ok := m.extractions[id]; ok && rec.UserID == userID {
			delete(m.extractions, id)
			deleted++
			continue
		}
		filtered = append(filtered, id)
	}
	m.orders = filtered
	return deleted, nil
}

// AppendMessages appends msgs to the user's chat log.
func (m *MemoryStore) AppendMessages(_ context.Context, userID string, msgs ...domain.ChatMessage) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, errInvalidRole
		}
	}
	for _, msg := range msgs {
		m.seqs[userID]++
		msg.UserID = userID
		msg.Seq = m.seqs[userID]
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		m.chats[userID] = append(m.chats[userID], msg)
		out = append(out, msg)
	}
	return out, nil
}

// ListMessages returns the user's chat log in append order.
func (m *MemoryStore) ListMessages(_ context.Context, userID string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.chats[userID]
	res := make([]domain.ChatMessage, len(log))
	copy(res, log)
	return res, nil
}

// ClearMessages empties the user's chat log.
func (m *MemoryStore) ClearMessages(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, userID)
	return nil
}
