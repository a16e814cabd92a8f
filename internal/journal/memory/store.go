// Package memory is an in-memory journal.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/journal"
)

// Store is an in-memory implementation of journal.Journal
type Store struct {
	mu      sync.RWMutex
	records map[string][]journal.Record
	now     func() time.Time
}

var _ journal.Journal = (*Store)(nil)

// New creates a new in-memory journal
func New() *Store {
	return &Store{
		records: make(map[string][]journal.Record),
		now:     time.Now,
	}
}

func (s *Store) AppendEvent(ctx context.Context, sessionID, agentID string, payload []byte) error {
	s.append(journal.Record{
		SessionID: sessionID,
		Kind:      journal.KindEvent,
		AgentID:   agentID,
		Payload:   append([]byte(nil), payload...),
	})
	return nil
}

func (s *Store) AppendTransition(ctx context.Context, sessionID string, from, to domain.SessionStatus, message string) error {
	s.append(journal.Record{
		SessionID: sessionID,
		Kind:      journal.KindTransition,
		From:      from,
		To:        to,
		Message:   message,
	})
	return nil
}

func (s *Store) append(rec journal.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = uuid.New().String()
	rec.CreatedAt = s.now()
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
}

func (s *Store) Events(ctx context.Context, sessionID string) ([]journal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]journal.Record{}, s.records[sessionID]...), nil
}

func (s *Store) Close() error {
	return nil
}
