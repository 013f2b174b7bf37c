package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

// LockFileName is created in the data directory and held for the lifetime of the
// writer.
const LockFileName = "LOCK"

// ErrLocked reports a data directory already owned by another writer.
var ErrLocked = fmt.Errorf("%w: data directory is locked by another writer", types.ErrIO)

// DirLock is an exclusive advisory lock on a data directory.
type DirLock struct {
	file *os.File
}

// LockDir takes the writer lock of dir without blocking.
func LockDir(dir string) (*DirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, types.IOError("open lock file", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w (%s): %v", ErrLocked, dir, err)
	}
	return &DirLock{file: f}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
