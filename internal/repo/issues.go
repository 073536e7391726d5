package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// CreateIssueOptions carries the caller-supplied fields of a new issue.
// The author always comes from the resolved identity.
type CreateIssueOptions struct {
	Title       string
	Description string
	Priority    core.Priority // empty means medium
	Project     string
	Assignees   []string
	Labels      []string
	CoAuthors   []string
}

// CreateIssue writes a new open issue and returns it.
func (r *Repository) CreateIssue(opts CreateIssueOptions) (*core.Issue, error) {
	author, err := r.cfg.RequireIdentity()
	if err != nil {
		return nil, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = core.PriorityMedium
	}

	issue, err := core.NewIssue(opts.Title, author, priority)
	if err != nil {
		return nil, err
	}
	if opts.Description != "" {
		d := opts.Description
		issue.Description = &d
	}
	if opts.Project != "" {
		if err := r.checkProjectExists(opts.Project); err != nil {
			return nil, err
		}
		p := opts.Project
		issue.Project = &p
	}
	issue.Assignees = core.NormalizeSet(opts.Assignees)
	issue.CoAuthors = core.NormalizeSet(opts.CoAuthors)
	for _, label := range core.NormalizeSet(opts.Labels) {
		if err := r.checkLabelExists(issue.Project, label); err != nil {
			return nil, err
		}
		issue.Labels = core.SetAdd(issue.Labels, label)
	}

	committed, _, err := r.commit(IssueRef(issue.ID), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior != nil {
			return nil, "", fmt.Errorf("%w: issue %s already exists", core.ErrInvalidIdentifier, issue.ID)
		}
		return issue, core.OpCreate, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Issue), nil
}

// GetIssue reads one issue and the hash its ref points at.
func (r *Repository) GetIssue(id uuid.UUID) (*core.Issue, core.Hash, error) {
	entity, hash, err := r.readEntity(IssueRef(id))
	if err != nil {
		return nil, core.Hash{}, err
	}
	issue, ok := entity.(*core.Issue)
	if !ok {
		return nil, core.Hash{}, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, IssueRef(id), entity.EntityKind())
	}
	return issue, hash, nil
}

// ResolveIssueID turns a full UUID or an unambiguous prefix into the
// issue's UUID. Ambiguous prefixes fail with InvalidIdentifier naming
// the candidate count; unknown ones with UnknownEntity.
func (r *Repository) ResolveIssueID(idOrPrefix string) (uuid.UUID, error) {
	if id, err := uuid.Parse(idOrPrefix); err == nil {
		return id, nil
	}
	prefix := strings.ToLower(idOrPrefix)
	if prefix == "" {
		return uuid.Nil, fmt.Errorf("%w: empty issue ID", core.ErrInvalidIdentifier)
	}

	refs, err := r.refs.List(store.RefPrefixIssues)
	if err != nil {
		return uuid.Nil, err
	}
	var matches []string
	for name := range refs {
		id := strings.TrimPrefix(name, store.RefPrefixIssues)
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("%w: no issue matches %q", core.ErrUnknownEntity, idOrPrefix)
	case 1:
		return uuid.Parse(matches[0])
	default:
		sort.Strings(matches)
		return uuid.Nil, fmt.Errorf("%w: %q matches %d issues (%s, ...)",
			core.ErrInvalidIdentifier, idOrPrefix, len(matches), matches[0][:8])
	}
}

// IssuePatch is a partial update. Nil pointer fields are left alone;
// set-valued fields take explicit adds and removes so concurrent
// editors keep each other's members.
type IssuePatch struct {
	Title            *string
	Description      *string
	ClearDescription bool
	Priority         *core.Priority
	Status           *core.Status // transition checked against the prior state
	Project          *string
	ClearProject     bool

	AddAssignees    []string
	RemoveAssignees []string
	AddLabels       []string
	RemoveLabels    []string
	AddCoAuthors    []string
	AddGitRefs      []string
}

// isZero reports whether the patch changes nothing.
func (p IssuePatch) isZero() bool {
	return p.Title == nil && p.Description == nil && !p.ClearDescription &&
		p.Priority == nil && p.Status == nil && p.Project == nil && !p.ClearProject &&
		len(p.AddAssignees) == 0 && len(p.RemoveAssignees) == 0 &&
		len(p.AddLabels) == 0 && len(p.RemoveLabels) == 0 &&
		len(p.AddCoAuthors) == 0 && len(p.AddGitRefs) == 0
}

// UpdateIssue merges a patch into the issue's current state. The patch
// is applied to a fresh read inside the ref lock, so a lost race with a
// concurrent writer retries against the winner's state instead of
// overwriting it.
func (r *Repository) UpdateIssue(id uuid.UUID, patch IssuePatch) (*core.Issue, error) {
	if patch.isZero() {
		issue, _, err := r.GetIssue(id)
		return issue, err
	}
	if patch.Project != nil {
		if err := r.checkProjectExists(*patch.Project); err != nil {
			return nil, err
		}
	}

	committed, _, err := r.commit(IssueRef(id), func(prior core.Entity) (core.Entity, core.ChangeOp, error) {
		if prior == nil {
			return nil, "", fmt.Errorf("%w: issue %s", core.ErrUnknownEntity, id)
		}
		issue, ok := prior.(*core.Issue)
		if !ok {
			return nil, "", fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, IssueRef(id), prior.EntityKind())
		}
		next := issue.Clone()
		if err := r.applyIssuePatch(next, patch); err != nil {
			return nil, "", err
		}
		return next, core.OpModify, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.(*core.Issue), nil
}

// applyIssuePatch mutates next in place. Runs inside the commit build
// callback.
func (r *Repository) applyIssuePatch(next *core.Issue, patch IssuePatch) error {
	now := core.Now()

	if patch.Title != nil {
		if err := core.ValidateTitle(*patch.Title); err != nil {
			return err
		}
		next.Title = *patch.Title
	}
	if patch.ClearDescription {
		next.Description = nil
	} else if patch.Description != nil {
		d := *patch.Description
		next.Description = &d
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return fmt.Errorf("%w: unknown priority %q", core.ErrInvalidIdentifier, *patch.Priority)
		}
		next.Priority = *patch.Priority
	}
	if patch.ClearProject {
		next.Project = nil
	} else if patch.Project != nil {
		p := *patch.Project
		next.Project = &p
	}
	for _, label := range core.NormalizeSet(patch.AddLabels) {
		if err := r.checkLabelExists(next.Project, label); err != nil {
			return err
		}
		next.Labels = core.SetAdd(next.Labels, label)
	}
	for _, label := range patch.RemoveLabels {
		next.Labels = core.SetRemove(next.Labels, label)
	}
	for _, u := range patch.AddAssignees {
		next.Assignees = core.SetAdd(next.Assignees, u)
	}
	for _, u := range patch.RemoveAssignees {
		next.Assignees = core.SetRemove(next.Assignees, u)
	}
	for _, u := range patch.AddCoAuthors {
		next.CoAuthors = core.SetAdd(next.CoAuthors, u)
	}
	for _, ref := range patch.AddGitRefs {
		next.GitRefs = core.SetAdd(next.GitRefs, ref)
	}

	// Status last: SetStatus owns updated_at and closed_at maintenance.
	if patch.Status != nil {
		if err := next.SetStatus(*patch.Status, now); err != nil {
			return err
		}
	} else {
		next.Touch(now)
	}
	return nil
}

// UpdateIssueStatus applies one status transition.
func (r *Repository) UpdateIssueStatus(id uuid.UUID, to core.Status) (*core.Issue, error) {
	return r.UpdateIssue(id, IssuePatch{Status: &to})
}

// CloseIssue moves an issue to closed, enforcing the transition rules.
func (r *Repository) CloseIssue(id uuid.UUID) (*core.Issue, error) {
	return r.UpdateIssueStatus(id, core.StatusClosed)
}

// AssignIssue adds one assignee.
func (r *Repository) AssignIssue(id uuid.UUID, user string) (*core.Issue, error) {
	if err := core.ValidateUserID(user); err != nil {
		return nil, err
	}
	return r.UpdateIssue(id, IssuePatch{AddAssignees: []string{user}})
}

// UnassignIssue removes one assignee. Removing an absent assignee is a
// committed no-op touch.
func (r *Repository) UnassignIssue(id uuid.UUID, user string) (*core.Issue, error) {
	return r.UpdateIssue(id, IssuePatch{RemoveAssignees: []string{user}})
}

// LabelIssue attaches a registered label.
func (r *Repository) LabelIssue(id uuid.UUID, label string) (*core.Issue, error) {
	return r.UpdateIssue(id, IssuePatch{AddLabels: []string{label}})
}

// UnlabelIssue detaches a label.
func (r *Repository) UnlabelIssue(id uuid.UUID, label string) (*core.Issue, error) {
	return r.UpdateIssue(id, IssuePatch{RemoveLabels: []string{label}})
}

// DeleteIssue tombstones the issue's ref. The object stays in the store
// until garbage collection, which this layer never does on its own.
func (r *Repository) DeleteIssue(id uuid.UUID) error {
	return r.deleteEntity(IssueRef(id), nil)
}

// ListIssues returns the issues matching the filter, ordered by
// priority (critical first) then creation time. With an open index the
// predicates run in SQL and only matches are decoded; otherwise every
// issue ref is read and filtered in memory.
func (r *Repository) ListIssues(ctx context.Context, filter core.IssueFilter) ([]*core.Issue, error) {
	if r.idx != nil {
		rows, err := r.idx.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		issues := make([]*core.Issue, 0, len(rows))
		for _, row := range rows {
			entity, err := r.LoadEntity(row.Hash)
			if err != nil {
				// The cache can trail a concurrent delete; fall back to
				// the ref store for the truth.
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if issue, ok := entity.(*core.Issue); ok {
				issues = append(issues, issue)
			}
		}
		return issues, nil
	}

	refs, err := r.refs.List(store.RefPrefixIssues)
	if err != nil {
		return nil, err
	}
	issues := make([]*core.Issue, 0, len(refs))
	for name, hash := range refs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: list issues: %v", core.ErrTimeout, err)
		}
		entity, err := r.LoadEntity(hash)
		if err != nil {
			return nil, fmt.Errorf("list issues: ref %s: %w", name, err)
		}
		issue, ok := entity.(*core.Issue)
		if !ok {
			return nil, fmt.Errorf("%w: ref %s points at a %s object", core.ErrCorruption, name, entity.EntityKind())
		}
		if filter.Match(issue) {
			issues = append(issues, issue)
		}
	}
	sortIssues(issues)
	return issues, nil
}

// sortIssues orders by priority rank descending, then creation time,
// then ID for a stable tie-break.
func sortIssues(issues []*core.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if ri, rj := issues[i].Priority.Rank(), issues[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !issues[i].CreatedAt.Equal(issues[j].CreatedAt) {
			return issues[i].CreatedAt.Before(issues[j].CreatedAt)
		}
		return issues[i].ID.String() < issues[j].ID.String()
	})
}

// checkProjectExists verifies a live project ref.
func (r *Repository) checkProjectExists(id string) error {
	if err := core.ValidateProjectID(id); err != nil {
		return err
	}
	if _, err := r.refs.Read(ProjectRef(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", core.ErrUnknownProject, id)
		}
		return err
	}
	return nil
}

// checkLabelExists verifies a label is registered in the issue's
// project. Labels are project-scoped, so an issue without a project
// cannot carry any.
func (r *Repository) checkLabelExists(project *string, label string) error {
	if project == nil {
		return fmt.Errorf("%w: label %q needs the issue to belong to a project", core.ErrUnknownProject, label)
	}
	if _, err := r.refs.Read(LabelRef(*project, label)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: label %s/%s", core.ErrUnknownEntity, *project, label)
		}
		return err
	}
	return nil
}
