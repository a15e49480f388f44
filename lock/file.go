package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileStore is a Store backed by OS file locks, for coordinating the push
// and pull loops of multiple driftdb processes sharing one on-disk
// database (no shared memory, so MemoryStore can't help them agree).
type FileStore struct {
	dir string

	mu      sync.Mutex
	handles map[string]*flock.Flock
	owners  map[string]string
}

// NewFileStore roots every named lock's file under dir (created lazily by
// flock.TryLock's O_CREATE on first use).
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:     dir,
		handles: make(map[string]*flock.Flock),
		owners:  make(map[string]string),
	}
}

func (s *FileStore) pathFor(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf(".%s.lock", name))
}

func (s *FileStore) TryAcquire(ctx context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// flock.TryLock reports success again on a handle that already holds
	// the lock, so an existing owner has to be checked here.
	if _, held := s.owners[name]; held {
		return false, nil
	}
	fl, ok := s.handles[name]
	if !ok {
		fl = flock.New(s.pathFor(name))
		s.handles[name] = fl
	}
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock: flock %q: %w", name, err)
	}
	if locked {
		s.owners[name] = owner
	}
	return locked, nil
}

func (s *FileStore) Release(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[name] != owner {
		return nil
	}
	fl, ok := s.handles[name]
	if !ok {
		return nil
	}
	delete(s.owners, name)
	return fl.Unlock()
}

// ForceRemove releases name if it is held through this FileStore. A file
// lock held by another process is not cleared by it.
func (s *FileStore) ForceRemove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.handles[name]
	if !ok {
		return nil
	}
	delete(s.owners, name)
	return fl.Unlock()
}
