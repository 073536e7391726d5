package core

import (
	"fmt"
	"path/filepath"
	"time"
)

// Workspace describes one local checkout: which projects are active and
// which remotes it syncs with. Exactly one workspace object exists per
// repository root.
type Workspace struct {
	ID       string // derived from the absolute root path
	Root     string // absolute filesystem path of the workspace
	Projects []string
	Remotes  []string
	VCS      *VCSInfo
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VCSInfo is optional metadata attached at init time by the VCS enricher
// callback. The core stores it verbatim and never runs a VCS itself.
type VCSInfo struct {
	RepoRoot      string
	CurrentBranch string
	RemoteURLs    []string
}

// WorkspaceIDFromPath derives the stable workspace identifier from an
// absolute filesystem path: the first 16 hex characters of the path hash.
func WorkspaceIDFromPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return HashBytes([]byte(filepath.Clean(abs))).String()[:16]
}

// NewWorkspace constructs the workspace entity for a repository root.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	now := Now()
	w := &Workspace{
		ID:        WorkspaceIDFromPath(abs),
		Root:      abs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// EntityKind implements Entity.
func (w *Workspace) EntityKind() Kind { return KindWorkspace }

// EntityID implements Entity.
func (w *Workspace) EntityID() string { return w.ID }

// Validate checks field constraints.
func (w *Workspace) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: workspace ID is empty", ErrInvalidIdentifier)
	}
	if !filepath.IsAbs(w.Root) {
		return fmt.Errorf("%w: workspace root %q must be absolute", ErrInvalidIdentifier, w.Root)
	}
	for _, pid := range w.Projects {
		if err := ValidateProjectID(pid); err != nil {
			return fmt.Errorf("workspace project: %w", err)
		}
	}
	for _, name := range w.Remotes {
		if err := ValidateRemoteName(name); err != nil {
			return fmt.Errorf("workspace remote: %w", err)
		}
	}
	if w.CreatedAt.IsZero() || w.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: workspace timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings set fields into canonical form.
func (w *Workspace) Normalize() {
	w.Projects = NormalizeSet(w.Projects)
	w.Remotes = NormalizeSet(w.Remotes)
	if w.VCS != nil {
		w.VCS.RemoteURLs = NormalizeSet(w.VCS.RemoteURLs)
	}
	w.CreatedAt = w.CreatedAt.UTC().Truncate(time.Millisecond)
	w.UpdatedAt = w.UpdatedAt.UTC().Truncate(time.Millisecond)
}

// Clone returns a deep copy.
func (w *Workspace) Clone() *Workspace {
	out := *w
	out.Projects = append([]string(nil), w.Projects...)
	out.Remotes = append([]string(nil), w.Remotes...)
	if w.VCS != nil {
		vcs := *w.VCS
		vcs.RemoteURLs = append([]string(nil), w.VCS.RemoteURLs...)
		out.VCS = &vcs
	}
	return &out
}
