package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStoreConfig describes the dependencies of a MemoryStore.
type MemoryStoreConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Origin     OriginFunc
}

// MemoryStore keeps pending operations in process memory. It does not survive a restart.
type MemoryStore struct {
	mu         sync.Mutex
	operations []PendingOperation
	stamper    stamper
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{stamper: newStamper(cfg.Clock, cfg.IDProvider, cfg.Origin)}
}

func (s *MemoryStore) Append(ctx context.Context, draft Draft) (PendingOperation, error) {
	op, err := s.stamper.stamp(draft)
	if err != nil {
		return PendingOperation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, op.Clone())
	return op, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]PendingOperation, 0, len(s.operations))
	for _, op := range s.operations {
		result = append(result, op.Clone())
	}
	return result, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, op := range s.operations {
		if op.ID == id {
			s.operations = append(s.operations[:index], s.operations[index+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) IncrementRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := range s.operations {
		if s.operations[index].ID == id {
			s.operations[index].RetryCount++
			break
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = nil
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.operations), nil
}
