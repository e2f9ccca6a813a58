package modelstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[Kind]map[string]*Artifact
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[Kind]map[string]*Artifact),
	}
}

func (s *MemoryStore) Save(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.artifacts[a.Kind]
	if !ok {
		byID = make(map[string]*Artifact)
		s.artifacts[a.Kind] = byID
	}
	byID[a.ID] = copyArtifact(a)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[kind][id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return copyArtifact(a), nil
}

func (s *MemoryStore) Latest(_ context.Context, kind Kind) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Artifact
	for _, a := range s.artifacts[kind] {
		if latest == nil || after(a, latest) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrArtifactNotFound
	}
	return copyArtifact(latest), nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind, limit int) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Artifact, 0, len(s.artifacts[kind]))
	for _, a := range s.artifacts[kind] {
		out = append(out, copyArtifact(a))
	}
	sort.Slice(out, func(i, j int) bool { return after(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// after orders artifacts newest-first, breaking creation-time ties with the
// version id (ids are time-sortable).
func after(a, b *Artifact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func copyArtifact(a *Artifact) *Artifact {
	out := *a
	out.Payload = append([]byte(nil), a.Payload...)
	return &out
}
