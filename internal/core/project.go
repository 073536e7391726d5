package core

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Project groups issues, labels, and team access under a stable ID.
type Project struct {
	ID          string
	Name        string
	Description *string
	Labels      []string // label names defined in this project
	Teams       []string // team IDs with access
	Workspaces  []string // workspace IDs the project is active in
	Settings    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProject constructs a project with validated ID and name.
func NewProject(id, name string) (*Project, error) {
	now := Now()
	p := &Project{
		ID:        id,
		Name:      norm.NFC.String(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EntityKind implements Entity.
func (p *Project) EntityKind() Kind { return KindProject }

// EntityID implements Entity.
func (p *Project) EntityID() string { return p.ID }

// Validate checks field constraints.
func (p *Project) Validate() error {
	if err := ValidateProjectID(p.ID); err != nil {
		return err
	}
	if err := ValidateDisplayName(p.Name, 100); err != nil {
		return fmt.Errorf("project name: %w", err)
	}
	for _, team := range p.Teams {
		if err := ValidateTeamID(team); err != nil {
			return fmt.Errorf("project team: %w", err)
		}
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: project timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings set fields and strings into canonical form.
func (p *Project) Normalize() {
	p.Name = norm.NFC.String(p.Name)
	if p.Description != nil {
		d := norm.NFC.String(*p.Description)
		p.Description = &d
	}
	p.Labels = NormalizeSet(p.Labels)
	p.Teams = NormalizeSet(p.Teams)
	p.Workspaces = NormalizeSet(p.Workspaces)
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Millisecond)
	p.UpdatedAt = p.UpdatedAt.UTC().Truncate(time.Millisecond)
}

// SettingKeys returns the setting names in sorted order.
func (p *Project) SettingKeys() []string {
	keys := make([]string, 0, len(p.Settings))
	for k := range p.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	out := *p
	out.Labels = append([]string(nil), p.Labels...)
	out.Teams = append([]string(nil), p.Teams...)
	out.Workspaces = append([]string(nil), p.Workspaces...)
	if p.Description != nil {
		d := *p.Description
		out.Description = &d
	}
	if p.Settings != nil {
		out.Settings = make(map[string]string, len(p.Settings))
		for k, v := range p.Settings {
			out.Settings[k] = v
		}
	}
	return &out
}
