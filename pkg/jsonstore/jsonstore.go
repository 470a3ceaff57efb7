// Package jsonstore is the one-JSON-document-per-store persistence
// primitive shared by PermissionService, OAuthStore, and ApiKeyStore.
//
// It mirrors pkg/db in spirit (a single serialized writer) but for
// the atomic-JSON-file substrate instead of sqlite: every write
// serializes the whole document and replaces the file with a
// temp-file-then-rename, via github.com/moby/sys/atomicwriter.
package jsonstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/nexus-hub/nexus-core/pkg/log"
)

// Store persists a single JSON document of type T at a fixed path,
// behind one reader-writer lock. A fresh install (missing file) loads
// the zero value; a corrupt file logs and starts empty rather than
// failing boot
type Store[T any] struct {
	mu   sync.RWMutex
	path string
	data T
}

// Open loads path into a new Store, creating the parent directory if
// needed. zero is the value used when the file does not exist yet.
func Open[T any](path string, zero T) (*Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Store[T]{path: path, data: zero}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, err
	}

	if len(raw) == 0 {
		return s, nil
	}

	var loaded T
	if err := json.Unmarshal(raw, &loaded); err != nil {
		log.Logf("jsonstore: %s is corrupt, starting empty: %v", path, err)
		return s, nil
	}
	s.data = loaded
	return s, nil
}

// View runs fn with a read lock held over the current document. fn
// must not mutate the value it is handed in a way that escapes the
// lock; callers that need to mutate should use Update.
func (s *Store[T]) View(fn func(data T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// Update runs fn with a write lock held, persists the document
// afterward, and propagates any marshal/write failure. fn mutates
// the document in place through the pointer it is handed.
func (s *Store[T]) Update(fn func(data *T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(&s.data); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *Store[T]) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path, raw, 0o600)
}
