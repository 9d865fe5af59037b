// Package dedup keeps a content-hash registry so byte-identical images
// are stored and extracted at most once per run.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Hash returns the hex sha256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store maps content hashes to the path the asset was first stored
// under. Register is serialized, so concurrent workers racing on the
// same bytes produce exactly one winner.
type Store struct {
	mu    sync.Mutex
	paths map[string]string
}

func NewStore() *Store {
	return &Store{paths: map[string]string{}}
}

// Register claims a hash for path. When the hash is already known the
// original path is returned with isNew=false and the caller must not
// persist a second copy.
func (s *Store) Register(hash string, path string) (storedPath string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.paths[hash]; ok {
		return existing, false
	}
	s.paths[hash] = path
	return path, true
}

// Len reports the number of distinct hashes registered.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}
