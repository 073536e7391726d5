package repo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// CreateProject registers a project and activates it in the workspace
// object.
func (r *Repository) CreateProject(id, name string) (*core.Project, error) {
	project, err := core.NewProject(id, name)
	if err != nil {
		return nil, err
	}
	committed, _, err := r.commit(ProjectRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: project %s already exists", core.ErrInvalidIdentifier, id)
		}
		return project, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.updateWorkspace(func(w *core.Workspace) {
		w.Projects = core.SetAdd(w.Projects, id)
	}); err != nil {
		return nil, err
	}
	return committed.(*core.Project), nil
}

// GetProject reads one project.
func (r *Repository) GetProject(id string) (*core.Project, core.Hash, error) {
	entity, hash, err := r.readEntity(ProjectRef(id))
	if err != nil {
		return nil, core.Hash{}, err
	}
	project, ok := entity.(*core.Project)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, ProjectRef(id), entity.EntityKind())
	}
	return project, hash, nil
}

// ProjectPatch is a partial project update.
type ProjectPatch struct {
	Name        *string
	Description *string
	AddTeams    []string
	RemoveTeams []string
	Settings    map[string]string // merged key-wise; empty value deletes
}

// UpdateProject merges a patch into the project's current state.
func (r *Repository) UpdateProject(id string, patch ProjectPatch) (*core.Project, error) {
	committed, _, err := r.commit(ProjectRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: %s", core.ErrUnknownProject, id)
		}
		project, ok := prior.(*core.Project)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, ProjectRef(id), prior.EntityKind())
		}
		next := project.Clone()
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Description != nil {
			d := *patch.Description
			next.Description = &d
		}
		for _, team := range patch.AddTeams {
			next.Teams = core.SetAdd(next.Teams, team)
		}
		for _, team := range patch.RemoveTeams {
			next.Teams = core.SetRemove(next.Teams, team)
		}
		if len(patch.Settings) > 0 {
			if next.Settings == nil {
				next.Settings = make(map[string]string, len(patch.Settings))
			}
			for k, v := range patch.Settings {
				if v == "" {
					delete(next.Settings, k)
				} else {
					next.Settings[k] = v
				}
			}
		}
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Project), nil
}

// DeleteProject tombstones a project. Projects with live issues are
// protected: delete or move the issues first.
func (r *Repository) DeleteProject(id string) error {
	issues, err := r.refs.List(store.RefPrefixIssues)
	if err != nil {
		return err
	}
	for name, hash := range issues {
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return fmt.Errorf("ref %s: %w", name, err)
		}
		if issue, ok := entity.(*core.Issue); ok && issue.Project != nil && *issue.Project == id {
			return fmt.Errorf("%w: project %s still has issue %s", core.ErrInvalidIdentifier, id, issue.ID)
		}
	}
	if err := r.deleteEntity(ProjectRef(id), nil); err != nil {
		return err
	}
	return r.updateWorkspace(func(w *core.Workspace) {
		w.Projects = core.SetRemove(w.Projects, id)
	})
}

// ListProjects returns every live project sorted by ID.
func (r *Repository) ListProjects() ([]*core.Project, error) {
	refs, err := r.refs.List(store.RefPrefixProjects)
	if err != nil {
		return nil, err
	}
	projects := make([]*core.Project, 0, len(refs))
	for name, hash := range refs {
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		if project, ok := entity.(*core.Project); ok {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// CreateUser registers a user.
func (r *Repository) CreateUser(id, name, email string) (*core.User, error) {
	user, err := core.NewUser(id, name, email)
	if err != nil {
		return nil, err
	}
	committed, _, err := r.commit(UserRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: user %s already exists", core.ErrInvalidIdentifier, id)
		}
		return user, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.User), nil
}

// GetUser reads one user.
func (r *Repository) GetUser(id string) (*core.User, core.Hash, error) {
	entity, hash, err := r.readEntity(UserRef(id))
	if err != nil {
		return nil, core.Hash{}, err
	}
	user, ok := entity.(*core.User)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, UserRef(id), entity.EntityKind())
	}
	return user, hash, nil
}

// UserPatch is a partial user update.
type UserPatch struct {
	Name   *string
	Email  *string
	Avatar *string
}

// UpdateUser merges a patch into the user's current state.
func (r *Repository) UpdateUser(id string, patch UserPatch) (*core.User, error) {
	committed, _, err := r.commit(UserRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: user %s", core.ErrUnknownEntity, id)
		}
		user, ok := prior.(*core.User)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, UserRef(id), prior.EntityKind())
		}
		next := user.Clone()
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Email != nil {
			next.Email = *patch.Email
		}
		if patch.Avatar != nil {
			a := *patch.Avatar
			next.Avatar = &a
		}
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.User), nil
}

// DeleteUser tombstones a user.
func (r *Repository) DeleteUser(id string) error {
	return r.deleteEntity(UserRef(id), nil)
}

// ListUsers returns every live user sorted by ID.
func (r *Repository) ListUsers() ([]*core.User, error) {
	refs, err := r.refs.List(store.RefPrefixUsers)
	if err != nil {
		return nil, err
	}
	users := make([]*core.User, 0, len(refs))
	for name, hash := range refs {
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		if user, ok := entity.(*core.User); ok {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// CreateTeam registers a team with its initial members.
func (r *Repository) CreateTeam(id, name string, members []string) (*core.Team, error) {
	team, err := core.NewTeam(id, name, members)
	if err != nil {
		return nil, err
	}
	committed, _, err := r.commit(TeamRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: team %s already exists", core.ErrInvalidIdentifier, id)
		}
		return team, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Team), nil
}

// GetTeam reads one team.
func (r *Repository) GetTeam(id string) (*core.Team, core.Hash, error) {
	entity, hash, err := r.readEntity(TeamRef(id))
	if err != nil {
		return nil, core.Hash{}, err
	}
	team, ok := entity.(*core.Team)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, TeamRef(id), entity.EntityKind())
	}
	return team, hash, nil
}

// TeamPatch is a partial team update. Removing the last member fails
// validation: teams are never empty.
type TeamPatch struct {
	Name           *string
	Description    *string
	AddMembers     []string
	RemoveMembers  []string
	AddProjects    []string
	RemoveProjects []string
}

// UpdateTeam merges a patch into the team's current state.
func (r *Repository) UpdateTeam(id string, patch TeamPatch) (*core.Team, error) {
	for _, pid := range patch.AddProjects {
		if err := r.checkProjectExists(pid); err != nil {
			return nil, err
		}
	}
	committed, _, err := r.commit(TeamRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: team %s", core.ErrUnknownEntity, id)
		}
		team, ok := prior.(*core.Team)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, TeamRef(id), prior.EntityKind())
		}
		next := team.Clone()
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Description != nil {
			d := *patch.Description
			next.Description = &d
		}
		for _, m := range patch.AddMembers {
			next.Members = core.SetAdd(next.Members, m)
		}
		for _, m := range patch.RemoveMembers {
			next.Members = core.SetRemove(next.Members, m)
		}
		for _, pid := range patch.AddProjects {
			next.Projects = core.SetAdd(next.Projects, pid)
		}
		for _, pid := range patch.RemoveProjects {
			next.Projects = core.SetRemove(next.Projects, pid)
		}
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Team), nil
}

// DeleteTeam tombstones a team.
func (r *Repository) DeleteTeam(id string) error {
	return r.deleteEntity(TeamRef(id), nil)
}

// ListTeams returns every live team sorted by ID.
func (r *Repository) ListTeams() ([]*core.Team, error) {
	refs, err := r.refs.List(store.RefPrefixTeams)
	if err != nil {
		return nil, err
	}
	teams := make([]*core.Team, 0, len(refs))
	for name, hash := range refs {
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		if team, ok := entity.(*core.Team); ok {
			teams = append(teams, team)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

// CreateLabel registers a label in a project. Label names are unique
// within a project: the ref path is the uniqueness check, and the name
// is also mirrored into the project entity's label set.
func (r *Repository) CreateLabel(project, name, color string) (*core.Label, error) {
	if err := r.checkProjectExists(project); err != nil {
		return nil, err
	}
	label, err := core.NewLabel(project, name, color)
	if err != nil {
		return nil, err
	}
	committed, _, err := r.commit(LabelRef(project, label.Name), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: %s/%s", core.ErrDuplicateLabelName, project, label.Name)
		}
		return label, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := r.commit(ProjectRef(project), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: %s", core.ErrUnknownProject, project)
		}
		p, ok := prior.(*core.Project)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, ProjectRef(project), prior.EntityKind())
		}
		next := p.Clone()
		next.Labels = core.SetAdd(next.Labels, label.Name)
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	}); err != nil {
		return nil, err
	}
	return committed.(*core.Label), nil
}

// GetLabel reads one label by project and name.
func (r *Repository) GetLabel(project, name string) (*core.Label, core.Hash, error) {
	entity, hash, err := r.readEntity(LabelRef(project, name))
	if err != nil {
		return nil, core.Hash{}, err
	}
	label, ok := entity.(*core.Label)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, LabelRef(project, name), entity.EntityKind())
	}
	return label, hash, nil
}

// LabelPatch is a partial label update. The name is the identity and
// cannot change; delete and recreate instead.
type LabelPatch struct {
	Color       *string
	Description *string
}

// UpdateLabel merges a patch into the label's current state.
func (r *Repository) UpdateLabel(project, name string, patch LabelPatch) (*core.Label, error) {
	committed, _, err := r.commit(LabelRef(project, name), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: label %s/%s", core.ErrUnknownEntity, project, name)
		}
		label, ok := prior.(*core.Label)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, LabelRef(project, name), prior.EntityKind())
		}
		next := label.Clone()
		if patch.Color != nil {
			next.Color = *patch.Color
		}
		if patch.Description != nil {
			d := *patch.Description
			next.Description = &d
		}
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Label), nil
}

// DeleteLabel tombstones a label and drops it from the project entity.
func (r *Repository) DeleteLabel(project, name string) error {
	if err := r.deleteEntity(LabelRef(project, name), nil); err != nil {
		return err
	}
	_, _, err := r.commit(ProjectRef(project), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: %s", core.ErrUnknownProject, project)
		}
		p, ok := prior.(*core.Project)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, ProjectRef(project), prior.EntityKind())
		}
		next := p.Clone()
		next.Labels = core.SetRemove(next.Labels, name)
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	return err
}

// ListLabels returns the live labels of one project (or of every
// project when project is empty), sorted by project then name.
func (r *Repository) ListLabels(project string) ([]*core.Label, error) {
	prefix := store.RefPrefixLabels
	if project != "" {
		prefix = store.RefPrefixLabels + project + "/"
	}
	refs, err := r.refs.List(prefix)
	if err != nil {
		return nil, err
	}
	labels := make([]*core.Label, 0, len(refs))
	for name, hash := range refs {
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		if label, ok := entity.(*core.Label); ok {
			labels = append(labels, label)
		}
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Project != labels[j].Project {
			return labels[i].Project < labels[j].Project
		}
		return labels[i].Name < labels[j].Name
	})
	return labels, nil
}

// CreateRemote registers a sync peer and records it in the workspace
// object. The descriptor lives under refs/remotes/<name>/ next to the
// tracking ref, both excluded from sync.
func (r *Repository) CreateRemote(name, url string, hint core.AuthHint) (*core.Remote, error) {
	remote, err := core.NewRemote(name, url)
	if err != nil {
		return nil, err
	}
	if hint != "" {
		if !hint.Valid() {
			return nil, fmt.Errorf("%w: unknown auth hint %q", core.ErrInvalidIdentifier, hint)
		}
		remote.AuthHint = hint
	}
	committed, _, err := r.commit(RemoteDescriptorRef(name), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: remote %s already exists", core.ErrInvalidIdentifier, name)
		}
		return remote, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.updateWorkspace(func(w *core.Workspace) {
		w.Remotes = core.SetAdd(w.Remotes, name)
	}); err != nil {
		return nil, err
	}
	return committed.(*core.Remote), nil
}

// GetRemote reads one remote descriptor. Remotes declared only in
// configuration (not registered as entities) are materialized from the
// config snapshot so `push`/`pull` accept either source.
func (r *Repository) GetRemote(name string) (*core.Remote, error) {
	entity, _, err := r.readEntity(RemoteDescriptorRef(name))
	if err == nil {
		if remote, ok := entity.(*core.Remote); ok {
			return remote, nil
		}
		return nil, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, RemoteDescriptorRef(name), entity.EntityKind())
	}
	if !errors.Is(err, core.ErrUnknownEntity) {
		return nil, err
	}
	rc, ok := r.cfg.Remotes[name]
	if !ok {
		return nil, fmt.Errorf("%w: remote %s", core.ErrUnknownEntity, name)
	}
	remote, rerr := core.NewRemote(name, rc.URL)
	if rerr != nil {
		return nil, rerr
	}
	if rc.AuthHint != "" {
		hint, herr := core.ParseAuthHint(rc.AuthHint)
		if herr != nil {
			return nil, herr
		}
		remote.AuthHint = hint
	}
	remote.Projects = core.NormalizeSet(rc.Projects)
	return remote, nil
}

// UpdateRemoteLastSync stamps the remote descriptor after a successful
// push or pull. System bookkeeping: no identity requirement, and no
// changeset, so stamping never moves HEAD. A chain that advanced on
// every sync would make each push dirty the next one.
func (r *Repository) UpdateRemoteLastSync(name string) error {
	refName := RemoteDescriptorRef(name)
	handle, err := r.locks.Acquire(refName, r.lockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	current, err := r.refs.Read(refName)
	if errors.Is(err, store.ErrNotFound) {
		// Config-only remote: nothing persisted to stamp.
		return nil
	}
	if err != nil {
		return err
	}
	prior, err := r.LoadEntity(current)
	if err != nil {
		return err
	}
	remote, ok := prior.(*core.Remote)
	if !ok {
		return fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, refName, prior.EntityKind())
	}
	next := remote.Clone()
	now := core.Now()
	next.LastSync = &now
	next.UpdatedAt = now
	data, newHash, err := r.codec.Encode(next)
	if err != nil {
		return err
	}
	if _, err := r.objects.Put(data); err != nil {
		return err
	}
	return r.refs.CAS(refName, &current, newHash)
}

// DeleteRemote removes a remote descriptor and its tracking ref.
func (r *Repository) DeleteRemote(name string) error {
	if err := r.deleteEntity(RemoteDescriptorRef(name), nil); err != nil {
		return err
	}
	if _, err := r.refs.Read(RemoteHeadRef(name)); err == nil {
		if err := r.refs.Delete(RemoteHeadRef(name), nil); err != nil {
			return err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return r.updateWorkspace(func(w *core.Workspace) {
		w.Remotes = core.SetRemove(w.Remotes, name)
	})
}

// ListRemotes returns registered remotes plus remotes declared only in
// configuration, sorted by name.
func (r *Repository) ListRemotes() ([]*core.Remote, error) {
	refs, err := r.refs.List(store.RefPrefixRemotes)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	remotes := make([]*core.Remote, 0, len(refs))
	for name, hash := range refs {
		if !strings.HasSuffix(name, "/descriptor") {
			continue
		}
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		if remote, ok := entity.(*core.Remote); ok {
			remotes = append(remotes, remote)
			seen[remote.Name] = true
		}
	}
	for name := range r.cfg.Remotes {
		if seen[name] {
			continue
		}
		remote, err := r.GetRemote(name)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, remote)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Name < remotes[j].Name })
	return remotes, nil
}

// GetWorkspace reads the workspace object.
func (r *Repository) GetWorkspace() (*core.Workspace, core.Hash, error) {
	entity, hash, err := r.readEntity(store.RefWorkspace)
	if err != nil {
		return nil, core.Hash{}, err
	}
	workspace, ok := entity.(*core.Workspace)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, store.RefWorkspace, entity.EntityKind())
	}
	return workspace, hash, nil
}

// updateWorkspace applies an in-place mutation to the workspace object.
// Used for project and remote membership bookkeeping; failures here
// leave the primary entity committed, which is the documented cross-ref
// atomicity boundary.
func (r *Repository) updateWorkspace(mutate func(*core.Workspace)) error {
	_, _, err := r.commitAs(r.changesetAuthor(), store.RefWorkspace, func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: workspace object missing", core.ErrUnknownEntity)
		}
		workspace, ok := prior.(*core.Workspace)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, store.RefWorkspace, prior.EntityKind())
		}
		next := workspace.Clone()
		mutate(next)
		next.UpdatedAt = core.Now()
		return next, core.OpModify, nil
	})
	return err
}
