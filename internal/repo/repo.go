// Package repo is the workspace facade: typed CRUD over the entity
// kinds, backed by the object store, the ref store, and the lock
// manager. Every mutation runs the same pipeline: validate, lock the
// target ref, read-modify-write through a compare-and-swap, append a
// ChangeSet advancing HEAD, publish an event. Reads take no lock.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/odi-tracker/odi/internal/codec"
	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/events"
	"github.com/odi-tracker/odi/internal/index"
	"github.com/odi-tracker/odi/internal/lock"
	"github.com/odi-tracker/odi/internal/store"
)

// DirName is the workspace directory created at the working tree root.
const DirName = ".odi"

// Workspace layout under DirName.
const (
	objectsDir = "objects"
	locksDir   = "locks"
	configFile = "config"
	indexFile  = "index.db"
)

// casRetries bounds how many times a mutation re-reads and re-applies
// after losing a compare-and-swap before surfacing ConcurrentUpdate.
const casRetries = 3

// DefaultLockTimeout is how long a mutation waits for the target ref's
// lock before failing with LockTimeout.
const DefaultLockTimeout = 10 * time.Second

// ErrNotFound aliases the store sentinel so callers need not import
// store to distinguish missing refs.
var ErrNotFound = store.ErrNotFound

// ErrAlreadyInitialized is returned by Init when the directory already
// contains a workspace.
var ErrAlreadyInitialized = errors.New("workspace already initialized")

// VCSEnricher inspects a filesystem path and returns version-control
// metadata for the workspace object, nil when the path is not inside a
// recognized checkout. The facade never invokes a VCS itself; callers
// wire internal/vcsmeta in here.
type VCSEnricher func(path string) (*core.VCSInfo, error)

// Options configures Open.
type Options struct {
	// UserConfigFile overrides the user-global config path. Empty means
	// the platform default.
	UserConfigFile string

	// ConfigOverrides is the highest-precedence config layer, keyed the
	// way a TOML document nests. Build it with config.SetKeyPath.
	ConfigOverrides map[string]any

	// EnableIndex opens the SQLite issue cache and rebuilds it from the
	// ref store, trading open latency for fast list queries.
	EnableIndex bool

	// LockTimeout is how long mutations wait on ref locks. Zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// Logger defaults to stderr.
	Logger *log.Logger
}

// InitOptions configures Init.
type InitOptions struct {
	Options

	// Project creates and activates one project during init.
	Project string

	// LinkVCS attaches checkout metadata to the workspace object.
	LinkVCS VCSEnricher
}

// Repository is an open workspace handle. It is safe for concurrent
// use; the zero value is not usable.
type Repository struct {
	root    string // the .odi directory
	workDir string // its parent

	cfg     *config.Config
	codec   *codec.Codec
	objects *store.ObjectStore
	refs    *store.RefStore
	locks   *lock.Manager
	bus     *events.Bus
	idx     *index.DB

	lockTimeout time.Duration
	logger      *log.Logger
}

// FindRoot walks up from start looking for the workspace directory and
// returns its path. Fails with UnknownEntity when no ancestor holds one.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", &core.IOError{Op: "resolve " + start, Err: err}
	}
	for {
		candidate := filepath.Join(dir, DirName)
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", &core.IOError{Op: "stat " + candidate, Err: err}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no %s directory above %s", core.ErrUnknownEntity, DirName, start)
		}
		dir = parent
	}
}

// Init creates a workspace under dir and returns the open handle. The
// layout (objects/, refs/, locks/, config) is created eagerly so a
// crashed init is distinguishable from an empty workspace.
func Init(dir string, opts InitOptions) (*Repository, error) {
	workDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, &core.IOError{Op: "resolve " + dir, Err: err}
	}
	root := filepath.Join(workDir, DirName)
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, root)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &core.IOError{Op: "stat " + root, Err: err}
	}

	for _, sub := range []string{
		root,
		filepath.Join(root, objectsDir),
		filepath.Join(root, "refs"),
		filepath.Join(root, locksDir),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, &core.IOError{Op: "create " + sub, Err: err}
		}
	}

	if err := writeInitialConfig(filepath.Join(root, configFile), opts.Project); err != nil {
		return nil, err
	}

	r, err := openRoot(root, opts.Options)
	if err != nil {
		return nil, err
	}

	workspace, err := core.NewWorkspace(workDir)
	if err != nil {
		r.Close()
		return nil, err
	}
	if opts.LinkVCS != nil {
		info, err := opts.LinkVCS(workDir)
		if err != nil {
			r.logger.Printf("vcs enrichment skipped: %v", err)
		} else if info != nil {
			workspace.VCS = info
		}
	}
	if opts.Project != "" {
		workspace.Projects = core.SetAdd(workspace.Projects, opts.Project)
	}
	if _, _, err := r.commitAs(r.changesetAuthor(), store.RefWorkspace,
		func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
			return workspace, core.OpCreate, nil
		}); err != nil {
		r.Close()
		return nil, err
	}

	if opts.Project != "" {
		if _, err := r.CreateProject(opts.Project, opts.Project); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// writeInitialConfig lays down the workspace config leaf. The file is
// deliberately small: resolved behavior comes from the layered load, not
// from spelling every default here.
func writeInitialConfig(path, project string) error {
	content := "# odi workspace configuration. Keys here override the user-global file.\n\n" +
		"[sync]\n" +
		"conflict_strategy = \"manual\"\n" +
		"compress_objects = true\n"
	if project != "" {
		content += fmt.Sprintf("\n[workspace]\ndefault_project = %q\n\n[project.%s]\nname = %q\n",
			project, project, project)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &core.IOError{Op: "write " + path, Err: err}
	}
	return nil
}

// Open resolves the workspace containing dir and returns a handle over
// it. Configuration is loaded once into an immutable snapshot; changes
// to the config files require reopening.
func Open(dir string, opts Options) (*Repository, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	return openRoot(root, opts)
}

func openRoot(root string, opts Options) (*Repository, error) {
	cfg, err := config.Load(config.LoadOptions{
		WorkspaceFile: filepath.Join(root, configFile),
		UserFile:      opts.UserConfigFile,
		Overrides:     opts.ConfigOverrides,
	})
	if err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.CodecOptions())
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = DefaultLockTimeout
	}

	r := &Repository{
		root:        root,
		workDir:     filepath.Dir(root),
		cfg:         cfg,
		codec:       c,
		objects:     store.NewObjectStore(filepath.Join(root, objectsDir)),
		refs:        store.NewRefStore(root),
		locks:       lock.NewManager(filepath.Join(root, locksDir), lock.Options{Logger: logger}),
		bus:         events.NewBus(),
		lockTimeout: lockTimeout,
		logger:      logger,
	}

	if opts.EnableIndex {
		idx, err := index.Open(filepath.Join(root, indexFile))
		if err != nil {
			return nil, err
		}
		r.idx = idx
		if err := r.RebuildIndex(context.Background()); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close releases the handle: the index is checkpointed and the event
// bus is shut down. Safe to call once; the handle is unusable after.
func (r *Repository) Close() error {
	var firstErr error
	if r.idx != nil {
		if err := r.idx.Close(); err != nil {
			firstErr = err
		}
		r.idx = nil
	}
	if r.bus != nil {
		r.bus.Close()
	}
	return firstErr
}

// Root returns the workspace directory (the .odi path).
func (r *Repository) Root() string { return r.root }

// WorkDir returns the directory containing the workspace.
func (r *Repository) WorkDir() string { return r.workDir }

// ConfigFile returns the workspace config path. Writes to it take
// effect on the next Open, not on this handle.
func (r *Repository) ConfigFile() string { return ConfigPath(r.root) }

// ConfigPath returns the workspace config file under a root found by
// FindRoot. It does not require an open handle, so config repair works
// even when the file no longer loads.
func ConfigPath(root string) string { return filepath.Join(root, configFile) }

// Config returns the resolved configuration snapshot.
func (r *Repository) Config() *config.Config { return r.cfg }

// Codec returns the object codec.
func (r *Repository) Codec() *codec.Codec { return r.codec }

// Objects returns the content-addressed object store.
func (r *Repository) Objects() *store.ObjectStore { return r.objects }

// Refs returns the mutable ref store.
func (r *Repository) Refs() *store.RefStore { return r.refs }

// Locks returns the workspace lock manager.
func (r *Repository) Locks() *lock.Manager { return r.locks }

// Bus returns the workspace event stream.
func (r *Repository) Bus() *events.Bus { return r.bus }

// Index returns the SQLite issue cache, nil unless EnableIndex was set.
func (r *Repository) Index() *index.DB { return r.idx }

// LockTimeout returns how long lock acquisitions wait before failing.
func (r *Repository) LockTimeout() time.Duration { return r.lockTimeout }

// changesetAuthor returns the configured identity when it is usable as
// a ChangeSet author, else empty. Entities that carry their own author
// field enforce identity separately and loudly.
func (r *Repository) changesetAuthor() string {
	name := r.cfg.User.Name
	if core.ValidateUserID(name) != nil {
		return ""
	}
	return name
}

// LoadEntity reads and decodes the object at hash.
func (r *Repository) LoadEntity(hash core.Hash) (core.Entity, error) {
	data, err := r.objects.Get(hash)
	if err != nil {
		return nil, err
	}
	return r.codec.Decode(data)
}

// readEntity resolves a ref to its decoded entity, translating a
// missing ref into UnknownEntity.
func (r *Repository) readEntity(refName string) (core.Entity, core.Hash, error) {
	hash, err := r.refs.Read(refName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.Hash{}, fmt.Errorf("%w: %s", core.ErrUnknownEntity, refName)
	}
	if err != nil {
		return nil, core.Hash{}, err
	}
	entity, err := r.LoadEntity(hash)
	if err != nil {
		return nil, core.Hash{}, err
	}
	return entity, hash, nil
}

// buildFunc constructs the next entity state from the prior one (nil
// when the ref does not exist yet). It runs inside the ref lock and may
// run again after a lost compare-and-swap, so it must be pure apart
// from its inputs.
type buildFunc func(prior core.Entity) (core.Entity, core.ChangeOp, error)

// commit runs the mutation pipeline for one ref with the configured
// identity as the ChangeSet author.
func (r *Repository) commit(refName string, build buildFunc) (core.Entity, core.Hash, error) {
	if _, err := r.cfg.RequireIdentity(); err != nil {
		return nil, core.Hash{}, err
	}
	return r.commitAs(r.changesetAuthor(), refName, build)
}

// commitAs is commit with an explicit ChangeSet author. It implements
// the write pipeline: lock the ref, read the prior state, build the new
// entity, encode and store it, CAS the ref, append a ChangeSet moving
// HEAD, publish the mutation. A lost CAS re-runs from the read, bounded
// by casRetries.
func (r *Repository) commitAs(author, refName string, build buildFunc) (core.Entity, core.Hash, error) {
	handle, err := r.locks.Acquire(refName, r.lockTimeout)
	if err != nil {
		return nil, core.Hash{}, err
	}
	defer handle.Release()

	for attempt := 0; attempt <= casRetries; attempt++ {
		var (
			prior     core.Entity
			priorHash core.Hash
			expected  *core.Hash
		)
		currentHash, err := r.refs.Read(refName)
		switch {
		case err == nil:
			priorHash = currentHash
			expected = &currentHash
			if prior, err = r.LoadEntity(currentHash); err != nil {
				return nil, core.Hash{}, err
			}
		case errors.Is(err, store.ErrNotFound):
			// Creating. expected stays nil.
		default:
			return nil, core.Hash{}, err
		}

		next, op, err := build(prior)
		if err != nil {
			return nil, core.Hash{}, err
		}
		data, newHash, err := r.codec.Encode(next)
		if err != nil {
			return nil, core.Hash{}, err
		}
		if _, err := r.objects.Put(data); err != nil {
			return nil, core.Hash{}, err
		}

		if err := r.refs.CAS(refName, expected, newHash); err != nil {
			if errors.Is(err, core.ErrConcurrentUpdate) {
				continue
			}
			return nil, core.Hash{}, err
		}

		record := core.ChangeRecord{
			Kind:      next.EntityKind(),
			EntityID:  next.EntityID(),
			PriorHash: priorHash,
			NewHash:   newHash,
			Op:        op,
		}
		if _, err := r.appendChangeSet(author, nil, []core.ChangeRecord{record}); err != nil {
			return nil, core.Hash{}, err
		}

		r.afterMutation(record)
		return next, newHash, nil
	}
	return nil, core.Hash{}, fmt.Errorf("%w: %s after %d attempts", core.ErrConcurrentUpdate, refName, casRetries+1)
}

// deleteEntity runs the deletion pipeline: same locking and retry shape
// as commitAs, ending in a tombstone instead of a new object. check runs
// against the prior entity so callers can veto (wrong kind, guard
// conditions) before anything is written.
func (r *Repository) deleteEntity(refName string, check func(prior core.Entity) error) error {
	if _, err := r.cfg.RequireIdentity(); err != nil {
		return err
	}
	handle, err := r.locks.Acquire(refName, r.lockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	for attempt := 0; attempt <= casRetries; attempt++ {
		currentHash, err := r.refs.Read(refName)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", core.ErrUnknownEntity, refName)
		}
		if err != nil {
			return err
		}
		prior, err := r.LoadEntity(currentHash)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(prior); err != nil {
				return err
			}
		}

		if err := r.refs.Delete(refName, &currentHash); err != nil {
			if errors.Is(err, core.ErrConcurrentUpdate) {
				continue
			}
			return err
		}

		record := core.ChangeRecord{
			Kind:      prior.EntityKind(),
			EntityID:  prior.EntityID(),
			PriorHash: currentHash,
			Op:        core.OpDelete,
		}
		if _, err := r.appendChangeSet(r.changesetAuthor(), nil, []core.ChangeRecord{record}); err != nil {
			return err
		}

		r.afterMutation(record)
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts", core.ErrConcurrentUpdate, refName, casRetries+1)
}

// afterMutation keeps the issue index fresh and publishes the event.
// Both are best-effort observers of an already-committed write: an
// index fault is logged, never surfaced, because the ref store is
// authoritative.
func (r *Repository) afterMutation(record core.ChangeRecord) {
	if r.idx != nil && record.Kind == core.KindIssue {
		if record.Op == core.OpDelete {
			if err := r.idx.Delete(context.Background(), record.EntityID); err != nil {
				r.logger.Printf("index delete %s: %v", record.EntityID, err)
			}
		} else if entity, err := r.LoadEntity(record.NewHash); err == nil {
			if issue, ok := entity.(*core.Issue); ok {
				if err := r.idx.Upsert(context.Background(), issue, record.NewHash); err != nil {
					r.logger.Printf("index upsert %s: %v", record.EntityID, err)
				}
			}
		}
	}
	r.bus.PublishMutation(events.Mutation{
		Kind:      record.Kind,
		EntityID:  record.EntityID,
		Op:        record.Op,
		Hash:      record.NewHash,
		PriorHash: record.PriorHash,
	})
}

// Head returns the hash of the workspace change-set tip, zero before
// the first commit.
func (r *Repository) Head() (core.Hash, error) {
	hash, err := r.refs.Read(store.RefHEAD)
	if errors.Is(err, store.ErrNotFound) {
		return core.Hash{}, nil
	}
	if err != nil {
		return core.Hash{}, err
	}
	return hash, nil
}

// appendChangeSet stores a ChangeSet whose first parent is the current
// HEAD and advances HEAD to it. extraParents adds merge parents (the
// remote chain tip during sync). HEAD is contended by mutations on
// unrelated refs, so the advance holds its own lock and re-reads the
// tip after a lost CAS.
func (r *Repository) appendChangeSet(author string, extraParents []core.Hash, records []core.ChangeRecord) (core.Hash, error) {
	handle, err := r.locks.Acquire(store.RefHEAD, r.lockTimeout)
	if err != nil {
		return core.Hash{}, err
	}
	defer handle.Release()

	for attempt := 0; attempt <= casRetries; attempt++ {
		var (
			parents  []core.Hash
			expected *core.Hash
		)
		tip, err := r.refs.Read(store.RefHEAD)
		switch {
		case err == nil:
			parents = append(parents, tip)
			expected = &tip
		case errors.Is(err, store.ErrNotFound):
			// First commit in the workspace.
		default:
			return core.Hash{}, err
		}
		for _, p := range extraParents {
			if !p.IsZero() && (expected == nil || p != *expected) {
				parents = append(parents, p)
			}
		}

		cs, err := core.NewChangeSet(author, parents, records)
		if err != nil {
			return core.Hash{}, err
		}
		data, hash, err := r.codec.Encode(cs)
		if err != nil {
			return core.Hash{}, err
		}
		if _, err := r.objects.Put(data); err != nil {
			return core.Hash{}, err
		}

		if err := r.refs.CAS(store.RefHEAD, expected, hash); err != nil {
			if errors.Is(err, core.ErrConcurrentUpdate) {
				continue
			}
			return core.Hash{}, err
		}
		return hash, nil
	}
	return core.Hash{}, fmt.Errorf("%w: HEAD after %d attempts", core.ErrConcurrentUpdate, casRetries+1)
}

// AppendMergeChangeSet records sync results on the chain: parents are
// the current HEAD plus remoteTip (when known), so later ancestor
// queries see both histories. The sync engine calls this after applying
// ref updates.
func (r *Repository) AppendMergeChangeSet(remoteTip core.Hash, records []core.ChangeRecord) (core.Hash, error) {
	var extra []core.Hash
	if !remoteTip.IsZero() {
		extra = append(extra, remoteTip)
	}
	hash, err := r.appendChangeSet(r.changesetAuthor(), extra, records)
	if err != nil {
		return core.Hash{}, err
	}
	for _, record := range records {
		r.afterMutation(record)
	}
	return hash, nil
}

// RebuildIndex repopulates the SQLite cache from the ref store. No-op
// without an open index.
func (r *Repository) RebuildIndex(ctx context.Context) error {
	if r.idx == nil {
		return nil
	}
	refs, err := r.refs.List(store.RefPrefixIssues)
	if err != nil {
		return err
	}
	issues := make(map[core.Hash]*core.Issue, len(refs))
	for name, hash := range refs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: rebuild index: %v", core.ErrTimeout, err)
		}
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return fmt.Errorf("rebuild index: ref %s: %w", name, err)
		}
		issue, ok := entity.(*core.Issue)
		if !ok {
			return fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, name, entity.EntityKind())
		}
		issues[hash] = issue
	}
	return r.idx.Rebuild(ctx, issues)
}
