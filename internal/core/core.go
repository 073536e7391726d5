// Package core defines the entity model shared by every layer of the
// tracker: issues, projects, workspaces, users, teams, labels, remote
// descriptors, and the change sets that chain workspace history together.
// It also owns the stable error kinds and the field validation rules that
// the codec enforces at encode time.
package core

import "time"

// Kind tags the entity type carried in an encoded object header.
type Kind uint16

const (
	KindIssue     Kind = 1
	KindProject   Kind = 2
	KindWorkspace Kind = 3
	KindUser      Kind = 4
	KindTeam      Kind = 5
	KindLabel     Kind = 6
	KindRemote    Kind = 7
	KindChangeSet Kind = 8
)

// String returns the lowercase name used in ref paths and log output.
func (k Kind) String() string {
	switch k {
	case KindIssue:
		return "issue"
	case KindProject:
		return "project"
	case KindWorkspace:
		return "workspace"
	case KindUser:
		return "user"
	case KindTeam:
		return "team"
	case KindLabel:
		return "label"
	case KindRemote:
		return "remote"
	case KindChangeSet:
		return "changeset"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the defined entity kinds.
func (k Kind) Valid() bool {
	return k >= KindIssue && k <= KindChangeSet
}

// ParseKind maps a ref-path segment back to its kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindIssue; k <= KindChangeSet; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Entity is implemented by every object kind stored in the repository.
type Entity interface {
	// EntityKind returns the kind tag written into the object header.
	EntityKind() Kind
	// EntityID returns the logical identifier the mutable ref is keyed by.
	EntityID() string
	// Validate checks every field constraint that holds without outside
	// context (prior state, sibling entities).
	Validate() error
	// Normalize brings strings and set fields into canonical form so
	// equal values encode to equal bytes. Idempotent.
	Normalize()
}

// Now returns the current UTC instant truncated to millisecond resolution,
// the resolution entity timestamps are encoded at. Using anything finer
// would break encode/decode round-trips.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// MillisToTime converts an epoch-millisecond offset back to a UTC instant.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
