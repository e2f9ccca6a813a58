package modelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists artifacts as JSON files under root/<kind>/<id>.json.
// Writes go through a temp file and rename, so a crash mid-save never leaves
// a truncated artifact behind.
type FileStore struct {
	root string
}

// NewFileStore creates a filesystem-backed artifact store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) Save(_ context.Context, a *Artifact) error {
	dir := filepath.Join(s.root, string(a.Kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", a.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, a.ID+".json")); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, kind Kind, id string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(s.root, string(kind), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return &a, nil
}

func (s *FileStore) Latest(ctx context.Context, kind Kind) (*Artifact, error) {
	ids, err := s.ids(kind)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrArtifactNotFound
	}
	// Version ids sort by creation time.
	sort.Strings(ids)
	return s.Get(ctx, kind, ids[len(ids)-1])
}

func (s *FileStore) List(ctx context.Context, kind Kind, limit int) ([]*Artifact, error) {
	ids, err := s.ids(kind)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *FileStore) ids(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
