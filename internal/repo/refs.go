package repo

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// Ref name construction. Every entity kind maps to one ref; the ref
// name embeds the entity's logical ID so sync can reason about refs
// without decoding objects.

// IssueRef returns the ref name for an issue.
func IssueRef(id uuid.UUID) string {
	return store.RefPrefixIssues + id.String()
}

// ProjectRef returns the ref name for a project.
func ProjectRef(id string) string {
	return store.RefPrefixProjects + id
}

// UserRef returns the ref name for a user.
func UserRef(id string) string {
	return store.RefPrefixUsers + id
}

// TeamRef returns the ref name for a team.
func TeamRef(id string) string {
	return store.RefPrefixTeams + id
}

// LabelRef returns the ref name for a label, keyed by its owning
// project and name.
func LabelRef(project, name string) string {
	return store.RefPrefixLabels + project + "/" + name
}

// RemoteDescriptorRef returns the ref holding a remote's descriptor
// entity. Remote-tracking state lives under the same directory, so both
// stay local: sync never exchanges refs/remotes/*.
func RemoteDescriptorRef(name string) string {
	return store.RefPrefixRemotes + name + "/descriptor"
}

// RemoteHeadRef returns the ref tracking the last observed change-set
// tip of a remote.
func RemoteHeadRef(name string) string {
	return store.RefPrefixRemotes + name + "/head"
}

// EntityRef maps an entity kind and logical ID to its ref name. The
// inverse of ParseEntityRef.
func EntityRef(kind core.Kind, id string) (string, error) {
	switch kind {
	case core.KindIssue:
		return store.RefPrefixIssues + id, nil
	case core.KindProject:
		return store.RefPrefixProjects + id, nil
	case core.KindUser:
		return store.RefPrefixUsers + id, nil
	case core.KindTeam:
		return store.RefPrefixTeams + id, nil
	case core.KindLabel:
		return store.RefPrefixLabels + id, nil
	case core.KindRemote:
		return RemoteDescriptorRef(id), nil
	case core.KindWorkspace:
		return store.RefWorkspace, nil
	case core.KindChangeSet:
		return store.RefHEAD, nil
	}
	return "", fmt.Errorf("%w: no ref mapping for kind %d", core.ErrInvalidIdentifier, kind)
}

// ParseEntityRef maps a ref name back to its entity kind and logical
// ID. Tracking refs under refs/remotes/ and the tombstone subtree are
// not entity refs and fail with InvalidIdentifier.
func ParseEntityRef(name string) (core.Kind, string, error) {
	switch {
	case name == store.RefHEAD:
		return core.KindChangeSet, "", nil
	case name == store.RefWorkspace:
		return core.KindWorkspace, "", nil
	case strings.HasPrefix(name, store.RefPrefixIssues):
		return core.KindIssue, strings.TrimPrefix(name, store.RefPrefixIssues), nil
	case strings.HasPrefix(name, store.RefPrefixProjects):
		return core.KindProject, strings.TrimPrefix(name, store.RefPrefixProjects), nil
	case strings.HasPrefix(name, store.RefPrefixUsers):
		return core.KindUser, strings.TrimPrefix(name, store.RefPrefixUsers), nil
	case strings.HasPrefix(name, store.RefPrefixTeams):
		return core.KindTeam, strings.TrimPrefix(name, store.RefPrefixTeams), nil
	case strings.HasPrefix(name, store.RefPrefixLabels):
		return core.KindLabel, strings.TrimPrefix(name, store.RefPrefixLabels), nil
	}
	return 0, "", fmt.Errorf("%w: %q is not an entity ref", core.ErrInvalidIdentifier, name)
}
