package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeOp classifies one record inside a ChangeSet.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpModify ChangeOp = "modify"
	OpDelete ChangeOp = "delete"
	OpMerge  ChangeOp = "merge"
)

// Valid reports whether op is one of the defined operations.
func (op ChangeOp) Valid() bool {
	switch op {
	case OpCreate, OpModify, OpDelete, OpMerge:
		return true
	}
	return false
}

// ChangeRecord links one entity's prior object to its new object.
// A zero PriorHash means the entity did not exist before (create); a zero
// NewHash means it no longer does (delete via tombstone).
type ChangeRecord struct {
	Kind      Kind
	EntityID  string
	PriorHash Hash
	NewHash   Hash
	Op        ChangeOp
}

// ChangeSet records one committed mutation or merge. ChangeSets form a
// parent-linked chain per workspace: ordinary commits carry one parent
// (zero for the very first), merges carry two. The chain is what ancestor
// queries during sync walk.
type ChangeSet struct {
	ID        uuid.UUID
	Parents   []Hash // 0, 1, or 2 entries
	Author    string
	CreatedAt time.Time
	Records   []ChangeRecord
}

// NewChangeSet constructs a change set with a fresh UUID.
func NewChangeSet(author string, parents []Hash, records []ChangeRecord) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:        uuid.New(),
		Parents:   append([]Hash(nil), parents...),
		Author:    author,
		CreatedAt: Now(),
		Records:   append([]ChangeRecord(nil), records...),
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// EntityKind implements Entity.
func (cs *ChangeSet) EntityKind() Kind { return KindChangeSet }

// EntityID implements Entity.
func (cs *ChangeSet) EntityID() string { return cs.ID.String() }

// Validate checks structural constraints.
func (cs *ChangeSet) Validate() error {
	if cs.ID == uuid.Nil {
		return fmt.Errorf("%w: changeset ID is nil", ErrInvalidIdentifier)
	}
	if len(cs.Parents) > 2 {
		return fmt.Errorf("%w: changeset has %d parents (max 2)", ErrInvalidIdentifier, len(cs.Parents))
	}
	for _, p := range cs.Parents {
		if p.IsZero() {
			return fmt.Errorf("%w: changeset parent hash is zero", ErrInvalidIdentifier)
		}
	}
	if cs.Author != "" {
		if err := ValidateUserID(cs.Author); err != nil {
			return fmt.Errorf("changeset author: %w", err)
		}
	}
	if len(cs.Records) == 0 {
		return fmt.Errorf("%w: changeset has no records", ErrInvalidIdentifier)
	}
	for _, rec := range cs.Records {
		if !rec.Kind.Valid() {
			return fmt.Errorf("%w: change record kind %d", ErrInvalidIdentifier, rec.Kind)
		}
		if rec.EntityID == "" {
			return fmt.Errorf("%w: change record entity ID is empty", ErrInvalidIdentifier)
		}
		if !rec.Op.Valid() {
			return fmt.Errorf("%w: change record op %q", ErrInvalidIdentifier, rec.Op)
		}
		if rec.PriorHash.IsZero() && rec.NewHash.IsZero() {
			return fmt.Errorf("%w: change record for %s has neither prior nor new hash", ErrInvalidIdentifier, rec.EntityID)
		}
	}
	if cs.CreatedAt.IsZero() {
		return fmt.Errorf("%w: changeset timestamp is required", ErrInvalidIdentifier)
	}
	return nil
}

// Normalize truncates the timestamp to encoding resolution.
func (cs *ChangeSet) Normalize() {
	cs.CreatedAt = cs.CreatedAt.UTC().Truncate(time.Millisecond)
}

// IsMerge reports whether this change set joined two histories.
func (cs *ChangeSet) IsMerge() bool {
	return len(cs.Parents) == 2
}
