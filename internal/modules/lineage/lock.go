package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// errLockHeld reports that another writer holds the advisory lock.
var errLockHeld = errors.New("lock held by another writer")

// fileLock is a cross-process exclusive lock: an advisory lock on a lock file
// next to the document. The kernel drops it when the holder exits, so a crashed
// writer never leaves the family locked and the file itself is never removed.
type fileLock struct {
	path  string
	retry time.Duration
	log   zerolog.Logger
	f     *os.File
}

// lockInfo is written into the lock file for diagnostics.
type lockInfo struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

func newFileLock(path string, log zerolog.Logger) *fileLock {
	return &fileLock{
		path:  path,
		retry: 20 * time.Millisecond,
		log:   log,
	}
}

// acquire blocks until the lock is held or ctx is done.
func (l *fileLock) acquire(ctx context.Context) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	waiting := false
	for {
		err := lockExclusive(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errLockHeld) {
			f.Close()
			return fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
		if !waiting {
			waiting = true
			l.log.Debug().Str("lock_path", l.path).Msg("Waiting for lineage lock")
		}

		select {
		case <-ctx.Done():
			f.Close()
			return fmt.Errorf("waiting for lock %s: %w", l.path, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	l.f = f
	data, _ := json.Marshal(lockInfo{PID: os.Getpid(), Timestamp: time.Now()})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(data, 0)
	}
	return nil
}

func (l *fileLock) release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil

	unlockErr := unlock(f)
	closeErr := f.Close()
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
