package marketdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrProtocolNotFound is returned when a protocol id is not registered.
var ErrProtocolNotFound = errors.New("protocol not found")

// MemoryStore is an in-memory HistoryProvider + ProtocolRegistry for tests,
// the CLI, and callers that already hold the data they want scored.
type MemoryStore struct {
	mu        sync.RWMutex
	protocols map[string]*Protocol
	history   map[string][]MetricSnapshot
}

// NewMemoryStore creates an empty in-memory market data store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		protocols: make(map[string]*Protocol),
		history:   make(map[string][]MetricSnapshot),
	}
}

// AddProtocol registers protocol metadata.
func (s *MemoryStore) AddProtocol(p *Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.protocols[p.ID] = &cp
}

// AddSnapshots appends snapshots for their protocols. History is kept sorted
// by timestamp ascending.
func (s *MemoryStore) AddSnapshots(snaps ...MetricSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := make(map[string]bool)
	for _, snap := range snaps {
		s.history[snap.ProtocolID] = append(s.history[snap.ProtocolID], snap)
		touched[snap.ProtocolID] = true
	}
	for id := range touched {
		h := s.history[id]
		sort.Slice(h, func(i, j int) bool { return h[i].Timestamp.Before(h[j].Timestamp) })
	}
}

func (s *MemoryStore) History(ctx context.Context, protocolID string, since time.Time) ([]MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.history[protocolID]
	result := make([]MetricSnapshot, 0, len(all))
	for _, snap := range all {
		if !snap.Timestamp.Before(since) {
			result = append(result, snap)
		}
	}
	return result, nil
}

func (s *MemoryStore) Get(ctx context.Context, protocolID string) (*Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.protocols[protocolID]
	if !ok {
		return nil, ErrProtocolNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Protocol, 0, len(s.protocols))
	for _, p := range s.protocols {
		if p.Active {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
