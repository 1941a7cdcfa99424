package locking

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/jmgilman/go/fs/core"
)

// FlockGroup is a Group implementation that combines in-process mutexes with an
// advisory file lock per key, so several processes sharing one cache directory
// serialize their catalog updates. Lock files live in dir and are named by
// LockPath.
type FlockGroup struct {
	dir string
	mem *MemLock
}

// NewFlockGroup creates a FlockGroup that keeps its lock files in dir,
// creating dir through fsys. flock needs a real file descriptor, so fsys must
// be backed by the local disk.
func NewFlockGroup(fsys core.FS, dir string) (*FlockGroup, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir: dir,
		mem: NewMemLock(),
	}, nil
}

// LockPath returns the lock file used for key inside dir.
func LockPath(dir, key string) string {
	return filepath.Join(dir, "."+key+".lock")
}

func (g *FlockGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	// The in-process mutex goes first: flock locks belong to the open file
	// description, so two goroutines of one process would otherwise race on it.
	return g.mem.DoWithLock(key, func() (interface{}, error) {
		lock := flock.New(LockPath(g.dir, key))
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock %q: %w", key, err)
		}
		defer lock.Unlock()
		return fn()
	})
}
