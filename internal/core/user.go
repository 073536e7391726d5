package core

import (
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// User identifies an author, co-author, or assignee.
type User struct {
	ID        string
	Name      string
	Email     string
	Avatar    *string // optional URI
	Teams     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser constructs a user with validated ID, name, and email.
func NewUser(id, name, email string) (*User, error) {
	now := Now()
	u := &User{
		ID:        id,
		Name:      norm.NFC.String(name),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// EntityKind implements Entity.
func (u *User) EntityKind() Kind { return KindUser }

// EntityID implements Entity.
func (u *User) EntityID() string { return u.ID }

// Validate checks field constraints.
func (u *User) Validate() error {
	if err := ValidateUserID(u.ID); err != nil {
		return err
	}
	if err := ValidateDisplayName(u.Name, 50); err != nil {
		return fmt.Errorf("user name: %w", err)
	}
	if err := ValidateEmail(u.Email); err != nil {
		return err
	}
	for _, team := range u.Teams {
		if err := ValidateTeamID(team); err != nil {
			return fmt.Errorf("user team: %w", err)
		}
	}
	if u.CreatedAt.IsZero() || u.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: user timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings set fields and strings into canonical form.
func (u *User) Normalize() {
	u.Name = norm.NFC.String(u.Name)
	u.Teams = NormalizeSet(u.Teams)
	u.CreatedAt = u.CreatedAt.UTC().Truncate(time.Millisecond)
	u.UpdatedAt = u.UpdatedAt.UTC().Truncate(time.Millisecond)
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	out := *u
	out.Teams = append([]string(nil), u.Teams...)
	if u.Avatar != nil {
		a := *u.Avatar
		out.Avatar = &a
	}
	return &out
}

// Team is a named group of users with project access.
type Team struct {
	ID          string
	Name        string
	Description *string
	Members     []string // user IDs, never empty
	Permissions []string
	Projects    []string // project IDs the team can access
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTeam constructs a team. A team must start with at least one member.
func NewTeam(id, name string, members []string) (*Team, error) {
	now := Now()
	t := &Team{
		ID:        id,
		Name:      norm.NFC.String(name),
		Members:   NormalizeSet(members),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// EntityKind implements Entity.
func (t *Team) EntityKind() Kind { return KindTeam }

// EntityID implements Entity.
func (t *Team) EntityID() string { return t.ID }

// Validate checks field constraints, including the non-empty member set.
func (t *Team) Validate() error {
	if err := ValidateTeamID(t.ID); err != nil {
		return err
	}
	if err := ValidateDisplayName(t.Name, 50); err != nil {
		return fmt.Errorf("team name: %w", err)
	}
	if len(t.Members) == 0 {
		return fmt.Errorf("%w: team %s must have at least one member", ErrInvalidIdentifier, t.ID)
	}
	for _, m := range t.Members {
		if err := ValidateUserID(m); err != nil {
			return fmt.Errorf("team member: %w", err)
		}
	}
	for _, pid := range t.Projects {
		if err := ValidateProjectID(pid); err != nil {
			return fmt.Errorf("team project: %w", err)
		}
	}
	if t.CreatedAt.IsZero() || t.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: team timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings set fields and strings into canonical form.
func (t *Team) Normalize() {
	t.Name = norm.NFC.String(t.Name)
	if t.Description != nil {
		d := norm.NFC.String(*t.Description)
		t.Description = &d
	}
	t.Members = NormalizeSet(t.Members)
	t.Permissions = NormalizeSet(t.Permissions)
	t.Projects = NormalizeSet(t.Projects)
	t.CreatedAt = t.CreatedAt.UTC().Truncate(time.Millisecond)
	t.UpdatedAt = t.UpdatedAt.UTC().Truncate(time.Millisecond)
}

// Clone returns a deep copy.
func (t *Team) Clone() *Team {
	out := *t
	out.Members = append([]string(nil), t.Members...)
	out.Permissions = append([]string(nil), t.Permissions...)
	out.Projects = append([]string(nil), t.Projects...)
	if t.Description != nil {
		d := *t.Description
		out.Description = &d
	}
	return &out
}
