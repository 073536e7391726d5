package lock

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

func testManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return NewManager(filepath.Join(t.TempDir(), "locks"), opts)
}

func TestAcquire_Release(t *testing.T) {
	m := testManager(t, Options{})

	handle, err := m.Acquire("refs/issues/abc", 0)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if _, err := os.Stat(m.path("refs/issues/abc")); err != nil {
		t.Errorf("lock file missing while held: %v", err)
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := os.Stat(m.path("refs/issues/abc")); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file still present after release")
	}

	// Idempotent.
	if err := handle.Release(); err != nil {
		t.Errorf("second Release() failed: %v", err)
	}
}

func TestAcquire_ZeroTimeoutOnHeldLock(t *testing.T) {
	m := testManager(t, Options{})

	handle, err := m.Acquire("workspace", 0)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer handle.Release()

	start := time.Now()
	_, err = m.Acquire("workspace", 0)
	if !errors.Is(err, core.ErrLockBusy) {
		t.Fatalf("second Acquire() = %v, want ErrLockBusy", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("zero-timeout acquire took %v, want immediate", elapsed)
	}
}

func TestAcquire_TimesOut(t *testing.T) {
	m := testManager(t, Options{PollInterval: 5 * time.Millisecond})

	handle, err := m.Acquire("workspace", 0)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer handle.Release()

	_, err = m.Acquire("workspace", 50*time.Millisecond)
	if !errors.Is(err, core.ErrLockTimeout) {
		t.Fatalf("Acquire() = %v, want ErrLockTimeout", err)
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	m := testManager(t, Options{PollInterval: 5 * time.Millisecond})

	handle, err := m.Acquire("refs/issues/xyz", 0)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		handle.Release()
	}()

	second, err := m.Acquire("refs/issues/xyz", 2*time.Second)
	if err != nil {
		t.Fatalf("waiting Acquire() failed: %v", err)
	}
	second.Release()
}

func TestAcquire_BreaksStaleLock(t *testing.T) {
	m := testManager(t, Options{StaleAfter: time.Minute})

	// Plant a lock owned by a PID that cannot exist, acquired long ago.
	path := m.path("refs/issues/stale")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := record{PID: 1 << 30, AcquiredMS: time.Now().Add(-time.Hour).UnixMilli()}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	handle, err := m.Acquire("refs/issues/stale", 0)
	if err != nil {
		t.Fatalf("Acquire() on stale lock = %v, want success", err)
	}
	defer handle.Release()
}

func TestAcquire_KeepsFreshDeadOwnerLock(t *testing.T) {
	m := testManager(t, Options{StaleAfter: time.Hour})

	// Dead owner but acquired just now: below the stale threshold, so
	// the lock must be honored.
	path := m.path("refs/issues/fresh")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := record{PID: 1 << 30, AcquiredMS: time.Now().UnixMilli()}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Acquire("refs/issues/fresh", 0); !errors.Is(err, core.ErrLockBusy) {
		t.Fatalf("Acquire() = %v, want ErrLockBusy", err)
	}
}

func TestAcquire_KeepsLiveOwnerLock(t *testing.T) {
	m := testManager(t, Options{StaleAfter: time.Millisecond})

	// Our own PID is alive, so even an old lock stays held.
	path := m.path("workspace")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := record{PID: os.Getpid(), AcquiredMS: time.Now().Add(-time.Hour).UnixMilli()}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Acquire("workspace", 0); !errors.Is(err, core.ErrLockBusy) {
		t.Fatalf("Acquire() = %v, want ErrLockBusy", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	m := testManager(t, Options{PollInterval: time.Millisecond})

	const workers = 8
	var mu sync.Mutex
	var held bool
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := m.Acquire("shared", 5*time.Second)
			if err != nil {
				t.Errorf("Acquire() failed: %v", err)
				return
			}
			mu.Lock()
			if held {
				t.Error("two goroutines held the lock at once")
			}
			held = true
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			held = false
			mu.Unlock()
			handle.Release()
		}()
	}
	wg.Wait()
}

func TestLockFile_RecordsOwner(t *testing.T) {
	m := testManager(t, Options{})

	handle, err := m.Acquire("refs/projects/web", 0)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer handle.Release()

	data, err := os.ReadFile(m.path("refs/projects/web"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("lock file is not JSON: %v", err)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.AcquiredMS == 0 {
		t.Error("acquired_ms not set")
	}
}
