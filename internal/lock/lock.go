// Package lock provides advisory, process-level mutual exclusion keyed by
// logical resource paths ("refs/issues/<uuid>", "sync/<remote>",
// "workspace"). Locks are plain files created with O_CREAT|O_EXCL, so
// they exclude across processes as well as goroutines, and a crashed
// holder leaves behind a file that later acquirers can detect and break.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// DefaultStaleAfter is how old a lock whose owner PID is dead must be
// before a new acquirer may break it.
const DefaultStaleAfter = 5 * time.Minute

// defaultPollInterval is how often a waiting acquirer re-checks the lock.
const defaultPollInterval = 25 * time.Millisecond

// record is the JSON body of a lock file.
type record struct {
	PID        int   `json:"pid"`
	AcquiredMS int64 `json:"acquired_ms"`
}

// Options configures a Manager.
type Options struct {
	// StaleAfter is the minimum age before a dead owner's lock may be
	// broken. Zero means DefaultStaleAfter.
	StaleAfter time.Duration

	// PollInterval is the wait between acquire attempts. Zero means a
	// 25ms default.
	PollInterval time.Duration

	// Logger for stale-lock breaking. Defaults to stderr.
	Logger *log.Logger
}

// Manager hands out exclusive locks backed by files under one directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	poll       time.Duration
	logger     *log.Logger
}

// NewManager creates a Manager rooted at dir (the workspace "locks"
// directory). The directory is created on first acquire.
func NewManager(dir string, opts Options) *Manager {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[lock] ", log.LstdFlags)
	}
	return &Manager{
		dir:        dir,
		staleAfter: opts.StaleAfter,
		poll:       opts.PollInterval,
		logger:     opts.Logger,
	}
}

// Handle is a held lock. Release is idempotent and must run on every
// exit path; callers typically defer it immediately.
type Handle struct {
	manager *Manager
	key     string
	path    string
	once    sync.Once
	err     error
}

// Key returns the logical resource path this handle locks.
func (h *Handle) Key() string { return h.key }

// Release removes the lock file. Safe to call more than once.
func (h *Handle) Release() error {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = &core.IOError{Op: "release lock " + h.key, Err: err}
		}
	})
	return h.err
}

// path maps a logical key to its lock file. Keys contain slashes, so the
// filename is the key's hash.
func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, core.HashBytes([]byte(key)).String()+".lock")
}

// Acquire takes the lock for key, waiting up to timeout. A zero timeout
// means a single attempt: if the lock is held, ErrLockBusy comes back
// immediately. A positive timeout polls until it elapses, then fails
// with ErrLockTimeout.
func (m *Manager) Acquire(key string, timeout time.Duration) (*Handle, error) {
	return m.AcquireContext(context.Background(), key, timeout)
}

// AcquireContext is Acquire with cooperative cancellation between
// attempts.
func (m *Manager) AcquireContext(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, &core.IOError{Op: "create lock directory", Err: err}
	}

	path := m.path(key)
	deadline := time.Now().Add(timeout)

	for {
		handle, err := m.tryAcquire(key, path)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, core.ErrLockBusy) {
			return nil, err
		}

		if timeout == 0 {
			return nil, fmt.Errorf("%w: %s", core.ErrLockBusy, key)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %v", core.ErrLockTimeout, key, timeout)
		}

		wait := m.poll
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", core.ErrTimeout, key, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// tryAcquire makes one attempt: create the file exclusively, or break a
// stale file and race for the fresh create.
func (m *Manager) tryAcquire(key, path string) (*Handle, error) {
	handle, err := m.createLock(key, path)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, core.ErrLockBusy) {
		return nil, err
	}

	stale, serr := m.isStale(path)
	if serr != nil {
		return nil, serr
	}
	if !stale {
		return nil, core.ErrLockBusy
	}

	// Re-verify before breaking: the holder may have released or a
	// competing breaker may have won in the meantime.
	time.Sleep(10 * time.Millisecond)
	stale, serr = m.isStale(path)
	if serr != nil {
		return nil, serr
	}
	if !stale {
		return nil, core.ErrLockBusy
	}

	m.logger.Printf("breaking stale lock for %s (owner exited)", key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &core.IOError{Op: "break stale lock " + key, Err: err}
	}
	return m.createLock(key, path)
}

// createLock attempts the exclusive create. ErrLockBusy means the file
// already exists.
func (m *Manager) createLock(key, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, core.ErrLockBusy
		}
		return nil, &core.IOError{Op: "create lock " + key, Err: err}
	}

	rec := record{PID: os.Getpid(), AcquiredMS: time.Now().UnixMilli()}
	data, merr := json.Marshal(rec)
	if merr == nil {
		_, merr = f.Write(data)
	}
	if cerr := f.Close(); merr == nil {
		merr = cerr
	}
	if merr != nil {
		os.Remove(path)
		return nil, &core.IOError{Op: "write lock " + key, Err: merr}
	}
	return &Handle{manager: m, key: key, path: path}, nil
}

// isStale reports whether the lock file at path has a dead owner and has
// exceeded the stale threshold. A vanished file counts as stale: the
// next create attempt settles the race.
func (m *Manager) isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, &core.IOError{Op: "read lock", Err: err}
	}

	var rec record
	acquired := time.Time{}
	if json.Unmarshal(data, &rec) == nil && rec.AcquiredMS > 0 {
		acquired = time.UnixMilli(rec.AcquiredMS)
	} else if info, err := os.Stat(path); err == nil {
		// Torn write (crash between create and write): fall back to the
		// file's mtime for the age check.
		acquired = info.ModTime()
	} else {
		return errors.Is(err, fs.ErrNotExist), nil
	}

	if time.Since(acquired) <= m.staleAfter {
		return false, nil
	}
	if rec.PID > 0 && pidAlive(rec.PID) {
		return false, nil
	}
	return true, nil
}

// pidAlive reports whether a process with the given PID exists. Signal 0
// probes without delivering; EPERM still means the process exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
