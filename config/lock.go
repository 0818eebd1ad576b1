package config

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirLock guards a node's data directory against a second instance
// starting against the same databases, the way go-ethereum's node package
// guards its LOCK file.
type DirLock struct {
	fl *flock.Flock
}

// Lock acquires an exclusive, non-blocking lock on dir's LOCK file. Returns
// an error if another process already holds it.
func Lock(dir string) (*DirLock, error) {
	fl := flock.New(filepath.Join(dir, "LOCK"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("config: acquire data dir lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("config: data directory %s is already in use by another node instance", dir)
	}
	return &DirLock{fl: fl}, nil
}

// Unlock releases the lock. Safe to call on a nil *DirLock.
func (l *DirLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
