package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Issue is the central tracked entity. Set-valued fields are kept sorted
// and deduplicated (see NormalizeSet) so equal values encode to equal
// bytes. Optional fields are pointers: absence and empty are distinct on
// the wire.
type Issue struct {
	ID          uuid.UUID
	Title       string
	Description *string

	Status   Status
	Priority Priority

	Author    string   // user ID of the creator
	CoAuthors []string // user IDs
	Assignees []string // user IDs
	Labels    []string // label names within the issue's project
	Project   *string  // owning project ID

	// GitRefs carries opaque VCS references attached on explicit link
	// requests. The core never interprets them.
	GitRefs []string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// NewIssue constructs an open issue with a fresh UUID and validated
// fields. The caller supplies the author from the resolved config.
func NewIssue(title, author string, priority Priority) (*Issue, error) {
	now := Now()
	issue := &Issue{
		ID:        uuid.New(),
		Title:     norm.NFC.String(title),
		Status:    StatusOpen,
		Priority:  priority,
		Author:    author,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := issue.Validate(); err != nil {
		return nil, err
	}
	return issue, nil
}

// EntityKind implements Entity.
func (i *Issue) EntityKind() Kind { return KindIssue }

// EntityID implements Entity.
func (i *Issue) EntityID() string { return i.ID.String() }

// Validate checks every field constraint. It does not check status
// transitions; those need the prior state (see SetStatus).
func (i *Issue) Validate() error {
	if i.ID == uuid.Nil {
		return fmt.Errorf("%w: issue ID is nil", ErrInvalidIdentifier)
	}
	if err := ValidateTitle(i.Title); err != nil {
		return err
	}
	if !i.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidIdentifier, i.Status)
	}
	if !i.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidIdentifier, i.Priority)
	}
	if err := ValidateUserID(i.Author); err != nil {
		return fmt.Errorf("author: %w", err)
	}
	for _, u := range i.CoAuthors {
		if err := ValidateUserID(u); err != nil {
			return fmt.Errorf("co-author: %w", err)
		}
	}
	for _, u := range i.Assignees {
		if err := ValidateUserID(u); err != nil {
			return fmt.Errorf("assignee: %w", err)
		}
	}
	if i.Project != nil {
		if err := ValidateProjectID(*i.Project); err != nil {
			return err
		}
	}
	if i.CreatedAt.IsZero() || i.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: issue timestamps are required", ErrInvalidIdentifier)
	}
	if i.Status == StatusClosed && i.ClosedAt == nil {
		return fmt.Errorf("%w: closed issue must carry closed_at", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings set fields and strings into canonical form. Called by
// the codec before encoding and by patch application.
func (i *Issue) Normalize() {
	i.Title = norm.NFC.String(i.Title)
	if i.Description != nil {
		d := norm.NFC.String(*i.Description)
		i.Description = &d
	}
	i.CoAuthors = NormalizeSet(i.CoAuthors)
	i.Assignees = NormalizeSet(i.Assignees)
	i.Labels = NormalizeSet(i.Labels)
	i.GitRefs = NormalizeSet(i.GitRefs)
	i.CreatedAt = i.CreatedAt.UTC().Truncate(time.Millisecond)
	i.UpdatedAt = i.UpdatedAt.UTC().Truncate(time.Millisecond)
	if i.ClosedAt != nil {
		t := i.ClosedAt.UTC().Truncate(time.Millisecond)
		i.ClosedAt = &t
	}
}

// SetStatus applies a status transition, enforcing the allowed set and
// maintaining closed_at. Reopening clears closed_at.
func (i *Issue) SetStatus(to Status, at time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidIdentifier, to)
	}
	if err := CheckTransition(i.Status, to); err != nil {
		return err
	}
	i.Status = to
	i.UpdatedAt = at.UTC().Truncate(time.Millisecond)
	switch to {
	case StatusClosed:
		t := i.UpdatedAt
		i.ClosedAt = &t
	case StatusOpen:
		i.ClosedAt = nil
	}
	return nil
}

// Touch bumps updated_at to the given instant.
func (i *Issue) Touch(at time.Time) {
	i.UpdatedAt = at.UTC().Truncate(time.Millisecond)
}

// Clone returns a deep copy. Merge and patch paths mutate copies so a
// failed CAS can retry from the freshly loaded state.
func (i *Issue) Clone() *Issue {
	out := *i
	out.CoAuthors = append([]string(nil), i.CoAuthors...)
	out.Assignees = append([]string(nil), i.Assignees...)
	out.Labels = append([]string(nil), i.Labels...)
	out.GitRefs = append([]string(nil), i.GitRefs...)
	if i.Description != nil {
		d := *i.Description
		out.Description = &d
	}
	if i.Project != nil {
		p := *i.Project
		out.Project = &p
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}
