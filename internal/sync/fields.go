package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
)

// ApplyFieldValues overlays caller-supplied values onto a copy of base,
// keyed by the same field names Merge reports in conflict records. Only
// the fields that can conflict are settable; set-valued fields always
// auto-merge and are not addressable here. An empty value clears
// optional fields and deletes settings keys. The result is validated
// before it is returned.
func ApplyFieldValues(base core.Entity, values map[string]string) (core.Entity, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: no base entity to apply field values to", core.ErrInvalidIdentifier)
	}
	switch v := base.(type) {
	case *core.Issue:
		return applyIssueFields(v, values)
	case *core.Project:
		return applyProjectFields(v, values)
	case *core.User:
		return applyUserFields(v, values)
	case *core.Team:
		return applyTeamFields(v, values)
	case *core.Label:
		return applyLabelFields(v, values)
	}
	return nil, fmt.Errorf("%w: %s objects have no resolvable fields", core.ErrInvalidIdentifier, base.EntityKind())
}

func applyIssueFields(base *core.Issue, values map[string]string) (*core.Issue, error) {
	out := base.Clone()
	for name, value := range values {
		switch name {
		case "title":
			out.Title = value
		case "description":
			out.Description = optionalString(value)
		case "status":
			status, err := core.ParseStatus(value)
			if err != nil {
				return nil, err
			}
			out.Status = status
		case "priority":
			priority, err := core.ParsePriority(value)
			if err != nil {
				return nil, err
			}
			out.Priority = priority
		case "author":
			out.Author = value
		case "project":
			out.Project = optionalString(value)
		default:
			return nil, unknownField(core.KindIssue, name)
		}
	}
	// Status and closed-at travel together, same as in a merge.
	if out.Status != core.StatusClosed {
		out.ClosedAt = nil
	} else if out.ClosedAt == nil {
		now := core.Now()
		out.ClosedAt = &now
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyProjectFields(base *core.Project, values map[string]string) (*core.Project, error) {
	out := base.Clone()
	for name, value := range values {
		switch {
		case name == "name":
			out.Name = value
		case name == "description":
			out.Description = optionalString(value)
		case strings.HasPrefix(name, "settings."):
			key := strings.TrimPrefix(name, "settings.")
			if key == "" {
				return nil, unknownField(core.KindProject, name)
			}
			if value == "" {
				delete(out.Settings, key)
				continue
			}
			if out.Settings == nil {
				out.Settings = make(map[string]string)
			}
			out.Settings[key] = value
		default:
			return nil, unknownField(core.KindProject, name)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyUserFields(base *core.User, values map[string]string) (*core.User, error) {
	out := base.Clone()
	for name, value := range values {
		switch name {
		case "name":
			out.Name = value
		case "email":
			out.Email = value
		case "avatar":
			out.Avatar = optionalString(value)
		default:
			return nil, unknownField(core.KindUser, name)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyTeamFields(base *core.Team, values map[string]string) (*core.Team, error) {
	out := base.Clone()
	for name, value := range values {
		switch name {
		case "name":
			out.Name = value
		case "description":
			out.Description = optionalString(value)
		default:
			return nil, unknownField(core.KindTeam, name)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyLabelFields(base *core.Label, values map[string]string) (*core.Label, error) {
	out := base.Clone()
	for name, value := range values {
		switch name {
		case "color":
			out.Color = value
		case "description":
			out.Description = optionalString(value)
		default:
			return nil, unknownField(core.KindLabel, name)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func unknownField(kind core.Kind, name string) error {
	return fmt.Errorf("%w: %s has no resolvable field %q", core.ErrInvalidIdentifier, kind, name)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ResolveFields is the field-map form of manual resolution: the local
// version is the base (the remote one when the local side deleted), the
// map overrides the contested fields, and the result resolves the
// conflict as if the caller had passed the whole entity.
func (e *Engine) ResolveFields(ctx context.Context, entityID string, values map[string]string) error {
	c, err := e.Conflict(entityID)
	if err != nil {
		return err
	}
	localHash, err := c.LocalObject()
	if err != nil {
		return err
	}
	remoteHash, err := c.RemoteObject()
	if err != nil {
		return err
	}
	baseHash := localHash
	if baseHash.IsZero() {
		baseHash = remoteHash
	}
	if baseHash.IsZero() {
		return fmt.Errorf("%w: conflict for %s has no surviving version to edit", core.ErrUnknownEntity, entityID)
	}
	base, err := e.repo.LoadEntity(baseHash)
	if err != nil {
		return err
	}
	resolved, err := ApplyFieldValues(base, values)
	if err != nil {
		return err
	}
	return e.Resolve(ctx, entityID, Resolution{Strategy: config.StrategyManual, Entity: resolved})
}
