// Package daemon keeps derived workspace state fresh while other
// processes mutate the workspace. A filesystem watcher over the ref
// tree feeds a debounced change queue; flushing the queue refreshes
// the SQLite issue index and republishes each change on the event bus,
// where the dashboard server and its metrics pick them up.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/events"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/store"
)

// Config holds daemon tuning knobs.
type Config struct {
	// DebounceInterval batches rapid ref updates before processing.
	DebounceInterval time.Duration

	// ResyncInterval is how often the whole index is rebuilt from the
	// ref store, catching any change the watcher missed.
	ResyncInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		ResyncInterval:   time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches one workspace's refs and keeps its index and event
// feed current.
type Daemon struct {
	repo    *repo.Repository
	config  *Config
	metrics *Metrics

	watcher *fsnotify.Watcher
	queue   map[string]time.Time // ref name -> queued at
	queueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an open repository handle. The caller
// keeps ownership of the handle; Stop does not close it.
func New(r *repo.Repository, config *Config) (*Daemon, error) {
	if r == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = time.Minute
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		repo:    r,
		config:  config,
		metrics: NewMetrics(),
		watcher: watcher,
		queue:   make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Metrics exposes the daemon's counters for the dashboard server.
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// Start rebuilds the index, begins watching the ref tree, and blocks
// until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.repo.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("initial index rebuild failed: %w", err)
	}

	if err := d.watchRefTree(); err != nil {
		return err
	}
	d.config.Logger.Printf("Watching refs under %s", d.repo.Root())

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.resyncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchRefTree registers every directory under refs/, plus the
// workspace root so a refs tree created after startup is picked up.
// fsnotify watches are not recursive; subdirectories created later are
// added from their create events.
func (d *Daemon) watchRefTree() error {
	root := d.repo.Root()
	if err := d.watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch workspace root: %w", err)
	}
	refsDir := filepath.Join(root, "refs")
	err := filepath.WalkDir(refsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if err := d.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// watchFileEvents converts filesystem events into queued ref changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if d.underRefs(event.Name) {
						d.addWatchRecursive(event.Name)
					}
					continue
				}
			}
			name, ok := d.refNameFor(event.Name)
			if !ok {
				continue
			}
			d.metrics.RefChanges.Inc()
			d.queueChange(name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// addWatchRecursive registers a directory that appeared after startup,
// everything below it, and queues any ref files already inside: the
// directory's create event races the files written into it, and the
// scan picks up what the new watch missed.
func (d *Daemon) addWatchRecursive(path string) {
	_ = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if err := d.watcher.Add(p); err != nil {
				d.config.Logger.Printf("Failed to watch new directory %s: %v", p, err)
			}
			return nil
		}
		if name, ok := d.refNameFor(p); ok {
			d.metrics.RefChanges.Inc()
			d.queueChange(name)
		}
		return nil
	})
}

func (d *Daemon) underRefs(path string) bool {
	rel, err := filepath.Rel(d.repo.Root(), path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "refs" || strings.HasPrefix(rel, "refs/")
}

// refNameFor maps an event path back to a ref name. Atomic-write temp
// files (dot-prefixed) and everything outside the synced ref kinds are
// ignored; per-entity changes arrive through the entity refs, so HEAD
// and the workspace ref carry no extra signal here.
func (d *Daemon) refNameFor(path string) (string, bool) {
	rel, err := filepath.Rel(d.repo.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	name := filepath.ToSlash(rel)
	if strings.HasPrefix(filepath.Base(path), ".") {
		return "", false
	}
	if !strings.HasPrefix(name, "refs/") {
		return "", false
	}
	if name == store.RefWorkspace || strings.HasPrefix(name, store.RefPrefixRemotes) {
		return "", false
	}
	if strings.HasPrefix(name, store.RefPrefixTombstones) {
		return name, true
	}
	if _, _, err := repo.ParseEntityRef(name); err != nil {
		return "", false
	}
	return name, true
}

func (d *Daemon) queueChange(name string) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	d.queue[name] = time.Now()
}

// processChangeQueue flushes queued changes once they have sat still
// for a full debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.queueMu.Lock()
	now := time.Now()
	var due []string
	for name, queuedAt := range d.queue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, name)
		delete(d.queue, name)
	}
	d.queueMu.Unlock()

	for _, name := range due {
		if err := d.handleRefChange(name); err != nil {
			d.config.Logger.Printf("Error processing %s: %v", name, err)
		}
	}
}

// handleRefChange reloads one ref, updates the issue index, and
// republishes the change on the event bus. A missing ref or a fresh
// tombstone both read as a deletion.
func (d *Daemon) handleRefChange(name string) error {
	live := name
	if strings.HasPrefix(name, store.RefPrefixTombstones) {
		live = "refs/" + strings.TrimPrefix(name, store.RefPrefixTombstones)
	}
	kind, entityID, err := repo.ParseEntityRef(live)
	if err != nil {
		return err
	}

	hash, err := d.repo.Refs().Read(live)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if kind == core.KindIssue && d.repo.Index() != nil {
			if err := d.repo.Index().Delete(d.ctx, entityID); err != nil {
				return fmt.Errorf("index delete: %w", err)
			}
		}
		d.repo.Bus().PublishMutation(events.Mutation{
			Kind:     kind,
			EntityID: entityID,
			Op:       core.OpDelete,
		})
		return nil
	case err != nil:
		return err
	}

	entity, err := d.repo.LoadEntity(hash)
	if err != nil {
		return fmt.Errorf("load %s: %w", hash.Short(), err)
	}
	if issue, ok := entity.(*core.Issue); ok && d.repo.Index() != nil {
		if err := d.repo.Index().Upsert(d.ctx, issue, hash); err != nil {
			return fmt.Errorf("index upsert: %w", err)
		}
	}
	d.repo.Bus().PublishMutation(events.Mutation{
		Kind:     kind,
		EntityID: entityID,
		Op:       core.OpModify,
		Hash:     hash,
	})
	return nil
}

// resyncLoop periodically rebuilds the index from scratch.
func (d *Daemon) resyncLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.repo.RebuildIndex(d.ctx); err != nil {
				d.config.Logger.Printf("Error rebuilding index: %v", err)
			} else {
				d.metrics.Resyncs.Inc()
			}
		}
	}
}
