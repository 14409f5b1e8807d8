package queue

import (
	"context"
	"sync"

	"github.com/austindbirch/harbor_relay/internal/payload"
)

// MemoryStore keeps payloads in process memory. Nothing survives a restart;
// it backs tests and the "memory" queue backend.
type MemoryStore struct {
	mu    sync.Mutex
	items map[payload.Kind][]payload.Payload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[payload.Kind][]payload.Payload)}
}

func (s *MemoryStore) Load(_ context.Context, kind payload.Kind) ([]payload.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payload.Payload, len(s.items[kind]))
	copy(out, s.items[kind])
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, p payload.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.Kind] = append(s.items[p.Kind], p)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, p payload.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[p.Kind]
	for i := range items {
		if items[i].ID == p.ID {
			s.items[p.Kind] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}
