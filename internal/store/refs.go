package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/odi-tracker/odi/internal/core"
)

// Ref name prefixes. A ref name is a slash-separated path like
// "refs/issues/<uuid>" or the special name "HEAD".
const (
	RefPrefixIssues     = "refs/issues/"
	RefPrefixProjects   = "refs/projects/"
	RefPrefixUsers      = "refs/users/"
	RefPrefixTeams      = "refs/teams/"
	RefPrefixLabels     = "refs/labels/"
	RefPrefixRemotes    = "refs/remotes/"
	RefPrefixTombstones = "refs/tombstones/"

	// RefWorkspace points at the single workspace object.
	RefWorkspace = "refs/workspace"

	// RefHEAD points at the workspace change-set tip.
	RefHEAD = "HEAD"
)

// tombstoneContent is the single-byte deletion marker plus newline.
const tombstoneContent = "\x00\n"

// RefConflictError reports a failed compare-and-swap. Current is the
// hash actually found, zero when the ref was absent or tombstoned.
type RefConflictError struct {
	Name    string
	Current core.Hash
}

func (e *RefConflictError) Error() string {
	if e.Current.IsZero() {
		return fmt.Sprintf("ref %s: concurrent update (ref gone)", e.Name)
	}
	return fmt.Sprintf("ref %s: concurrent update (now at %s)", e.Name, e.Current.Short())
}

// Is makes errors.Is(err, core.ErrConcurrentUpdate) match.
func (e *RefConflictError) Is(target error) bool {
	return target == core.ErrConcurrentUpdate
}

// RefStore maps ref names to object hashes, one file per ref holding 64
// hex characters plus a newline. Updates go through CAS guarded by an
// in-process per-ref mutex plus write-to-temp+rename; cross-process
// writers additionally hold the lock manager's ref lock.
type RefStore struct {
	root string // workspace root (the directory holding refs/ and HEAD)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRefStore returns a ref store over the workspace root.
func NewRefStore(root string) *RefStore {
	return &RefStore{root: root, locks: make(map[string]*sync.Mutex)}
}

// ValidateRefName checks the shape of a ref name: "HEAD" or a
// slash-separated path under "refs/" with no empty or dot-dot segments.
func ValidateRefName(name string) error {
	if name == RefHEAD {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("%w: ref name %q must be HEAD or start with refs/", core.ErrInvalidIdentifier, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: ref name %q has gap or dot segment", core.ErrInvalidIdentifier, name)
		}
	}
	return nil
}

func (s *RefStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// tombstonePath maps "refs/issues/X" to "refs/tombstones/issues/X".
func tombstoneName(name string) string {
	return RefPrefixTombstones + strings.TrimPrefix(name, "refs/")
}

// liveName reverses tombstoneName.
func liveName(tombstone string) string {
	return "refs/" + strings.TrimPrefix(tombstone, RefPrefixTombstones)
}

// lockRef serializes in-process writers of one ref.
func (s *RefStore) lockRef(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Read returns the hash a ref points at. Absent and tombstoned refs
// both come back as ErrNotFound; use IsTombstoned to tell them apart.
func (s *RefStore) Read(name string) (core.Hash, error) {
	if err := ValidateRefName(name); err != nil {
		return core.Hash{}, err
	}
	return s.readFile(name)
}

func (s *RefStore) readFile(name string) (core.Hash, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return core.Hash{}, fmt.Errorf("%w: ref %s", ErrNotFound, name)
	}
	if err != nil {
		return core.Hash{}, &core.IOError{Op: "read ref " + name, Err: err}
	}
	content := string(data)
	if content == tombstoneContent {
		return core.Hash{}, fmt.Errorf("%w: ref %s", ErrNotFound, name)
	}
	if !strings.HasSuffix(content, "\n") {
		return core.Hash{}, fmt.Errorf("%w: ref %s is missing trailing newline", core.ErrCorruption, name)
	}
	hash, err := core.ParseHash(strings.TrimSuffix(content, "\n"))
	if err != nil {
		return core.Hash{}, fmt.Errorf("%w: ref %s holds malformed content", core.ErrCorruption, name)
	}
	return hash, nil
}

// CAS atomically moves a ref from expected to newHash. A nil expected
// asserts the ref does not currently exist. When the ref already equals
// newHash the call is a successful no-op. On mismatch it returns a
// *RefConflictError carrying the hash actually found.
func (s *RefStore) CAS(name string, expected *core.Hash, newHash core.Hash) error {
	if err := ValidateRefName(name); err != nil {
		return err
	}
	if newHash.IsZero() {
		return fmt.Errorf("%w: refusing to point %s at the zero hash", core.ErrInvalidIdentifier, name)
	}
	unlock := s.lockRef(name)
	defer unlock()

	current, err := s.readFile(name)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if expected == nil {
		if exists {
			return &RefConflictError{Name: name, Current: current}
		}
	} else {
		if !exists {
			return &RefConflictError{Name: name}
		}
		if current != *expected {
			return &RefConflictError{Name: name, Current: current}
		}
	}

	if exists && current == newHash {
		return nil // no-op update
	}
	if err := writeFileAtomic(s.path(name), []byte(newHash.String()+"\n"), 0o644); err != nil {
		return &core.IOError{Op: "update ref " + name, Err: err}
	}

	// A successful (re)create supersedes any earlier deletion.
	if name != RefHEAD && !strings.HasPrefix(name, RefPrefixTombstones) {
		if err := os.Remove(s.path(tombstoneName(name))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &core.IOError{Op: "clear tombstone for " + name, Err: err}
		}
	}
	return nil
}

// Delete tombstones a ref: it writes the deletion marker under
// refs/tombstones/ and removes the live ref file, so sync can propagate
// the deletion. With a non-nil expected hash it fails on mismatch like
// CAS. Deleting an absent ref still records the tombstone.
func (s *RefStore) Delete(name string, expected *core.Hash) error {
	if err := ValidateRefName(name); err != nil {
		return err
	}
	if name == RefHEAD || strings.HasPrefix(name, RefPrefixTombstones) {
		return fmt.Errorf("%w: ref %s cannot be tombstoned", core.ErrInvalidIdentifier, name)
	}
	unlock := s.lockRef(name)
	defer unlock()

	current, err := s.readFile(name)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if expected != nil {
		if !exists {
			return &RefConflictError{Name: name}
		}
		if current != *expected {
			return &RefConflictError{Name: name, Current: current}
		}
	}

	if err := writeFileAtomic(s.path(tombstoneName(name)), []byte(tombstoneContent), 0o644); err != nil {
		return &core.IOError{Op: "write tombstone for " + name, Err: err}
	}
	if exists {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &core.IOError{Op: "remove ref " + name, Err: err}
		}
	}
	return nil
}

// IsTombstoned reports whether a deletion marker exists for the ref.
func (s *RefStore) IsTombstoned(name string) (bool, error) {
	if err := ValidateRefName(name); err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.path(tombstoneName(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &core.IOError{Op: "read tombstone for " + name, Err: err}
	}
	return string(data) == tombstoneContent, nil
}

// List returns every live ref under the given prefix, mapped to its
// hash. The tombstone subtree is excluded; use Tombstones for deletions.
// Results are independent of filesystem iteration order (sorted keys via
// map semantics are up to the caller; the map itself is complete).
func (s *RefStore) List(prefix string) (map[string]core.Hash, error) {
	if prefix != "" && !strings.HasPrefix(prefix, "refs/") {
		return nil, fmt.Errorf("%w: list prefix %q must be under refs/", core.ErrInvalidIdentifier, prefix)
	}
	if prefix == "" {
		prefix = "refs/"
	}

	out := make(map[string]core.Hash)
	root := filepath.Join(s.root, "refs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return rerr
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			if name == strings.TrimSuffix(RefPrefixTombstones, "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		hash, rerr := s.readFile(name)
		if errors.Is(rerr, ErrNotFound) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
		out[name] = hash
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		var ioErr *core.IOError
		if errors.As(err, &ioErr) || errors.Is(err, core.ErrCorruption) || errors.Is(err, core.ErrInvalidIdentifier) {
			return nil, err
		}
		return nil, &core.IOError{Op: "list refs " + prefix, Err: err}
	}
	return out, nil
}

// Tombstones returns the live names of every tombstoned ref, sorted.
func (s *RefStore) Tombstones() ([]string, error) {
	root := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(RefPrefixTombstones, "/")))
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return rerr
		}
		out = append(out, liveName(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, &core.IOError{Op: "list tombstones", Err: err}
	}
	sort.Strings(out)
	return out, nil
}
