package core

import (
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Label is a named tag scoped to one project. The (project, name) pair is
// the logical identifier; name uniqueness within a project is enforced by
// the repository on create.
type Label struct {
	Project     string // owning project ID
	Name        string // unique within the project, <= 30 codepoints
	Color       string // #RRGGBB
	Description *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewLabel constructs a label with validated fields.
func NewLabel(project, name, color string) (*Label, error) {
	now := Now()
	l := &Label{
		Project:   project,
		Name:      norm.NFC.String(name),
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// EntityKind implements Entity.
func (l *Label) EntityKind() Kind { return KindLabel }

// EntityID implements Entity. Labels are addressed as <project>/<name>.
func (l *Label) EntityID() string { return l.Project + "/" + l.Name }

// Validate checks field constraints.
func (l *Label) Validate() error {
	if err := ValidateProjectID(l.Project); err != nil {
		return err
	}
	if err := ValidateDisplayName(l.Name, 30); err != nil {
		return fmt.Errorf("label name: %w", err)
	}
	if err := ValidateColor(l.Color); err != nil {
		return err
	}
	if l.CreatedAt.IsZero() || l.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: label timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize brings strings into canonical form.
func (l *Label) Normalize() {
	l.Name = norm.NFC.String(l.Name)
	if l.Description != nil {
		d := norm.NFC.String(*l.Description)
		l.Description = &d
	}
	l.CreatedAt = l.CreatedAt.UTC().Truncate(time.Millisecond)
	l.UpdatedAt = l.UpdatedAt.UTC().Truncate(time.Millisecond)
}

// Clone returns a deep copy.
func (l *Label) Clone() *Label {
	out := *l
	if l.Description != nil {
		d := *l.Description
		out.Description = &d
	}
	return &out
}
