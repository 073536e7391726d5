package sync

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odi-tracker/odi/internal/core"
)

// Conflict records live under the workspace root, beside the lock
// directory, one file per contested entity. They are transient sync
// state, not objects: resolving one deletes the file.
const (
	conflictsDirName = "locks/conflicts"
	conflictSuffix   = ".conflict"
)

// FieldConflict is one field both sides changed to different values.
type FieldConflict struct {
	Name     string `yaml:"name"`
	Local    string `yaml:"local_value"`
	Remote   string `yaml:"remote_value"`
	Ancestor string `yaml:"ancestor_value,omitempty"`
}

// Conflict is a persisted divergence awaiting resolution. Structural
// conflicts have no usable ancestor (independent creation, or a
// deletion racing a modification) and support only whole-entity
// resolutions.
type Conflict struct {
	EntityKind string          `yaml:"entity_kind"`
	EntityID   string          `yaml:"entity_id"`
	Remote     string          `yaml:"remote"`
	Direction  string          `yaml:"direction"`
	LocalHash  string          `yaml:"local_hash"`
	RemoteHash string          `yaml:"remote_hash"`
	Ancestor   string          `yaml:"ancestor_hash,omitempty"`
	RemoteHead string          `yaml:"remote_head,omitempty"`
	Structural bool            `yaml:"structural,omitempty"`
	Note       string          `yaml:"note,omitempty"`
	DetectedAt time.Time       `yaml:"detected_at"`
	Fields     []FieldConflict `yaml:"conflicting_fields,omitempty"`
}

// Kind parses the recorded entity kind.
func (c *Conflict) Kind() (core.Kind, error) {
	kind, ok := core.ParseKind(c.EntityKind)
	if !ok {
		return 0, fmt.Errorf("%w: conflict for unknown kind %q", core.ErrCorruption, c.EntityKind)
	}
	return kind, nil
}

// LocalObject returns the local side's hash, zero when the entity did
// not exist locally.
func (c *Conflict) LocalObject() (core.Hash, error) {
	return parseOptionalHash(c.LocalHash)
}

// RemoteObject returns the remote side's hash, zero when the remote
// had deleted the entity.
func (c *Conflict) RemoteObject() (core.Hash, error) {
	return parseOptionalHash(c.RemoteHash)
}

// AncestorObject returns the common ancestor hash, zero for
// structural conflicts.
func (c *Conflict) AncestorObject() (core.Hash, error) {
	return parseOptionalHash(c.Ancestor)
}

// RemoteChainTip returns the remote HEAD observed when the conflict
// was detected, so the resolution changeset can parent it.
func (c *Conflict) RemoteChainTip() (core.Hash, error) {
	return parseOptionalHash(c.RemoteHead)
}

func parseOptionalHash(s string) (core.Hash, error) {
	if s == "" {
		return core.Hash{}, nil
	}
	return core.ParseHash(s)
}

func renderOptionalHash(h core.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

// conflictPath escapes the entity ID so label IDs, which embed a
// slash, stay a single path component.
func (e *Engine) conflictPath(entityID string) string {
	return filepath.Join(e.repo.Root(), filepath.FromSlash(conflictsDirName), url.PathEscape(entityID)+conflictSuffix)
}

func (e *Engine) writeConflict(c *Conflict) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conflict %s: %w", c.EntityID, err)
	}
	path := e.conflictPath(c.EntityID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write conflict %s: %w", c.EntityID, err)
	}
	return nil
}

func (e *Engine) removeConflict(entityID string) error {
	err := os.Remove(e.conflictPath(entityID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readConflictFile(path string) (*Conflict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Conflict
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: conflict file %s: %v", core.ErrCorruption, filepath.Base(path), err)
	}
	return &c, nil
}

// Conflicts lists every pending conflict record, sorted by entity ID.
func (e *Engine) Conflicts() ([]*Conflict, error) {
	dir := filepath.Join(e.repo.Root(), filepath.FromSlash(conflictsDirName))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Conflict
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), conflictSuffix) {
			continue
		}
		c, err := readConflictFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// Conflict returns the pending record for one entity.
func (e *Engine) Conflict(entityID string) (*Conflict, error) {
	c, err := readConflictFile(e.conflictPath(entityID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no conflict recorded for %s", core.ErrUnknownEntity, entityID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
