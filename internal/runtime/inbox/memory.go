package inbox

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. Useful for tests and single
// instance workers that accept losing the ledger on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func memoryKey(consumer, eventID string) string {
	return consumer + "\x00" + eventID
}

func (s *MemoryStore) Seen(_ context.Context, consumer, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[memoryKey(consumer, eventID)]
	return ok, nil
}

func (s *MemoryStore) Mark(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(rec.Consumer, rec.EventID)
	if _, ok := s.records[key]; !ok {
		s.records[key] = rec
	}
	return nil
}

// Records returns every record of consumer.
func (s *MemoryStore) Records(consumer string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Consumer == consumer {
			out = append(out, r)
		}
	}
	return out
}
