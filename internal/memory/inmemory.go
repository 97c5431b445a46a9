package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process archive for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	byUser    map[string][]TurnRecord
	bySession map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byUser:    make(map[string][]TurnRecord),
		bySession: make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) SaveTurns(_ context.Context, records []TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.ArchivedAt.IsZero() {
			record.ArchivedAt = now
		}
		s.byUser[record.UserID] = append(s.byUser[record.UserID], record)
		s.bySession[record.SessionID] = append(s.bySession[record.SessionID], record)
	}
	return nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]TurnRecord(nil), s.bySession[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.byUser[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
