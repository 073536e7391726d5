package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// Merge reconciles two divergent versions of one entity against their
// common ancestor, field by field. Scalars take the changed side and
// conflict when both sides changed to different values. Set fields
// never conflict: the whole-value ladder applies first, and when both
// sides changed the set, additions union while an ancestor element is
// dropped only if both sides removed it. The returned entity is only
// meaningful when the conflict list is empty.
func Merge(ancestor, local, remote core.Entity) (core.Entity, []FieldConflict, error) {
	if ancestor == nil || local == nil || remote == nil {
		return nil, nil, fmt.Errorf("three-way merge needs ancestor, local, and remote versions")
	}
	if local.EntityKind() != remote.EntityKind() || local.EntityKind() != ancestor.EntityKind() {
		return nil, nil, fmt.Errorf("%w: merging %s against %s", core.ErrCorruption, local.EntityKind(), remote.EntityKind())
	}
	if local.EntityID() != remote.EntityID() || local.EntityID() != ancestor.EntityID() {
		return nil, nil, fmt.Errorf("%w: merging %s against %s", core.ErrCorruption, local.EntityID(), remote.EntityID())
	}

	m := &merger{}
	var merged core.Entity
	switch l := local.(type) {
	case *core.Issue:
		merged = m.issue(ancestor.(*core.Issue), l, remote.(*core.Issue))
	case *core.Project:
		merged = m.project(ancestor.(*core.Project), l, remote.(*core.Project))
	case *core.User:
		merged = m.user(ancestor.(*core.User), l, remote.(*core.User))
	case *core.Team:
		merged = m.team(ancestor.(*core.Team), l, remote.(*core.Team))
	case *core.Label:
		merged = m.label(ancestor.(*core.Label), l, remote.(*core.Label))
	default:
		return nil, nil, fmt.Errorf("%w: %s objects are not mergeable", core.ErrCorruption, local.EntityKind())
	}
	return merged, m.conflicts, nil
}

// merger accumulates field conflicts while the per-kind merge
// functions walk their structs.
type merger struct {
	conflicts []FieldConflict
}

func (m *merger) conflict(name, ancestor, local, remote string) {
	m.conflicts = append(m.conflicts, FieldConflict{
		Name:     name,
		Local:    local,
		Remote:   remote,
		Ancestor: ancestor,
	})
}

func (m *merger) str(name, ancestor, local, remote string) string {
	switch {
	case local == remote:
		return local
	case local == ancestor:
		return remote
	case remote == ancestor:
		return local
	}
	m.conflict(name, ancestor, local, remote)
	return local
}

func (m *merger) strPtr(name string, ancestor, local, remote *string) *string {
	switch {
	case eqStrPtr(local, remote):
		return cloneStrPtr(local)
	case eqStrPtr(local, ancestor):
		return cloneStrPtr(remote)
	case eqStrPtr(remote, ancestor):
		return cloneStrPtr(local)
	}
	m.conflict(name, renderStrPtr(ancestor), renderStrPtr(local), renderStrPtr(remote))
	return cloneStrPtr(local)
}

func (m *merger) set(ancestor, local, remote []string) []string {
	switch {
	case setsEqual(local, remote):
		return core.NormalizeSet(local)
	case setsEqual(local, ancestor):
		return core.NormalizeSet(remote)
	case setsEqual(remote, ancestor):
		return core.NormalizeSet(local)
	}
	inAncestor := toSet(ancestor)
	inLocal := toSet(local)
	inRemote := toSet(remote)
	var out []string
	for _, elem := range ancestor {
		if inLocal[elem] || inRemote[elem] {
			out = append(out, elem)
		}
	}
	for _, elem := range local {
		if !inAncestor[elem] {
			out = append(out, elem)
		}
	}
	for _, elem := range remote {
		if !inAncestor[elem] {
			out = append(out, elem)
		}
	}
	return core.NormalizeSet(out)
}

// strMap merges per key: each key runs the scalar ladder, with absence
// as a distinct state so a deletion on one side carries through.
func (m *merger) strMap(name string, ancestor, local, remote map[string]string) map[string]string {
	keys := make(map[string]bool)
	for k := range ancestor {
		keys[k] = true
	}
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	out := make(map[string]string)
	for _, k := range sorted {
		av, aok := ancestor[k]
		lv, lok := local[k]
		rv, rok := remote[k]
		switch {
		case lok == rok && lv == rv:
			if lok {
				out[k] = lv
			}
		case lok == aok && lv == av:
			if rok {
				out[k] = rv
			}
		case rok == aok && rv == av:
			if lok {
				out[k] = lv
			}
		default:
			m.conflict(name+"."+k, renderMapValue(av, aok), renderMapValue(lv, lok), renderMapValue(rv, rok))
			if lok {
				out[k] = lv
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m *merger) issue(ancestor, local, remote *core.Issue) *core.Issue {
	out := local.Clone()
	out.Title = m.str("title", ancestor.Title, local.Title, remote.Title)
	out.Description = m.strPtr("description", ancestor.Description, local.Description, remote.Description)
	out.Status = core.Status(m.str("status", string(ancestor.Status), string(local.Status), string(remote.Status)))
	out.Priority = core.Priority(m.str("priority", string(ancestor.Priority), string(local.Priority), string(remote.Priority)))
	out.Author = m.str("author", ancestor.Author, local.Author, remote.Author)
	out.CoAuthors = m.set(ancestor.CoAuthors, local.CoAuthors, remote.CoAuthors)
	out.Assignees = m.set(ancestor.Assignees, local.Assignees, remote.Assignees)
	out.Labels = m.set(ancestor.Labels, local.Labels, remote.Labels)
	out.GitRefs = m.set(ancestor.GitRefs, local.GitRefs, remote.GitRefs)
	out.Project = m.strPtr("project", ancestor.Project, local.Project, remote.Project)

	switch {
	case local.ClosedAt != nil && remote.ClosedAt != nil:
		t := laterTime(*local.ClosedAt, *remote.ClosedAt)
		out.ClosedAt = &t
	case eqTimePtr(local.ClosedAt, ancestor.ClosedAt):
		out.ClosedAt = cloneTimePtr(remote.ClosedAt)
	default:
		out.ClosedAt = cloneTimePtr(local.ClosedAt)
	}

	out.CreatedAt = earlierTime(local.CreatedAt, remote.CreatedAt)
	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)

	// Status and closed-at travel together: the merged result must
	// honor the closed-implies-timestamp invariant even when the two
	// fields changed on different sides.
	if out.Status != core.StatusClosed {
		out.ClosedAt = nil
	} else if out.ClosedAt == nil {
		t := out.UpdatedAt
		out.ClosedAt = &t
	}
	return out
}

func (m *merger) project(ancestor, local, remote *core.Project) *core.Project {
	out := local.Clone()
	out.Name = m.str("name", ancestor.Name, local.Name, remote.Name)
	out.Description = m.strPtr("description", ancestor.Description, local.Description, remote.Description)
	out.Labels = m.set(ancestor.Labels, local.Labels, remote.Labels)
	out.Teams = m.set(ancestor.Teams, local.Teams, remote.Teams)
	out.Workspaces = m.set(ancestor.Workspaces, local.Workspaces, remote.Workspaces)
	out.Settings = m.strMap("settings", ancestor.Settings, local.Settings, remote.Settings)
	out.CreatedAt = earlierTime(local.CreatedAt, remote.CreatedAt)
	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

func (m *merger) user(ancestor, local, remote *core.User) *core.User {
	out := local.Clone()
	out.Name = m.str("name", ancestor.Name, local.Name, remote.Name)
	out.Email = m.str("email", ancestor.Email, local.Email, remote.Email)
	out.Avatar = m.strPtr("avatar", ancestor.Avatar, local.Avatar, remote.Avatar)
	out.Teams = m.set(ancestor.Teams, local.Teams, remote.Teams)
	out.CreatedAt = earlierTime(local.CreatedAt, remote.CreatedAt)
	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

func (m *merger) team(ancestor, local, remote *core.Team) *core.Team {
	out := local.Clone()
	out.Name = m.str("name", ancestor.Name, local.Name, remote.Name)
	out.Description = m.strPtr("description", ancestor.Description, local.Description, remote.Description)
	out.Members = m.set(ancestor.Members, local.Members, remote.Members)
	out.Permissions = m.set(ancestor.Permissions, local.Permissions, remote.Permissions)
	out.Projects = m.set(ancestor.Projects, local.Projects, remote.Projects)
	out.CreatedAt = earlierTime(local.CreatedAt, remote.CreatedAt)
	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

func (m *merger) label(ancestor, local, remote *core.Label) *core.Label {
	out := local.Clone()
	out.Color = m.str("color", ancestor.Color, local.Color, remote.Color)
	out.Description = m.strPtr("description", ancestor.Description, local.Description, remote.Description)
	out.CreatedAt = earlierTime(local.CreatedAt, remote.CreatedAt)
	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

// updatedAt extracts the modification stamp used by the prefer_newer
// strategy. Only the five synced kinds carry one.
func updatedAt(e core.Entity) (time.Time, bool) {
	switch v := e.(type) {
	case *core.Issue:
		return v.UpdatedAt, true
	case *core.Project:
		return v.UpdatedAt, true
	case *core.User:
		return v.UpdatedAt, true
	case *core.Team:
		return v.UpdatedAt, true
	case *core.Label:
		return v.UpdatedAt, true
	}
	return time.Time{}, false
}

func setsEqual(a, b []string) bool {
	x := core.NormalizeSet(a)
	y := core.NormalizeSet(b)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func toSet(elems []string) map[string]bool {
	set := make(map[string]bool, len(elems))
	for _, e := range elems {
		set[e] = true
	}
	return set
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func renderStrPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func renderMapValue(v string, ok bool) string {
	if !ok {
		return ""
	}
	return v
}

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func earlierTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
