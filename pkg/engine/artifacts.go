package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hodei/pipelines/api/wire"
	"github.com/hodei/pipelines/pkg/types"
)

// FileArtifactStore serves artifact content from a flat directory, one file
// per artifact id. Checksums are computed on read so the store needs no
// manifest.
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates the backing directory if needed
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

// Put stores artifact content under its id
func (s *FileArtifactStore) Put(id string, content []byte) (*types.Artifact, error) {
	if err := os.WriteFile(filepath.Join(s.dir, id), content, 0o644); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, err)
	}
	return &types.Artifact{
		ID:        id,
		Checksum:  wire.Checksum(content),
		SizeBytes: int64(len(content)),
	}, nil
}

// Get implements ArtifactSource
func (s *FileArtifactStore) Get(id string) (*types.Artifact, []byte, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return nil, nil, fmt.Errorf("artifact %s: %w", id, err)
	}
	return &types.Artifact{
		ID:        id,
		Checksum:  wire.Checksum(content),
		SizeBytes: int64(len(content)),
	}, content, nil
}

// MemoryArtifactStore keeps artifacts in memory, for tests and embedded use
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

// Put stores artifact content under its id
func (s *MemoryArtifactStore) Put(id string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = content
}

// Get implements ArtifactSource
func (s *MemoryArtifactStore) Get(id string) (*types.Artifact, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.blobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("artifact %s: not found", id)
	}
	return &types.Artifact{
		ID:        id,
		Checksum:  wire.Checksum(content),
		SizeBytes: int64(len(content)),
	}, content, nil
}
