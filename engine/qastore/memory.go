package qastore

import (
	"context"
	"sync"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// MemoryStore keeps records in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.QARecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.QARecord)}
}

func (s *MemoryStore) Create(_ context.Context, r domain.QARecord) (domain.QARecord, error) {
	r, err := prepare(r.Clone())
	if err != nil {
		return domain.QARecord{}, err
	}
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
	return r.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.QARecord, error) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return domain.QARecord{}, notFound(id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) AppendMetadata(_ context.Context, id string, extra map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if r.MergeMetadata(extra) {
		s.records[id] = r
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
