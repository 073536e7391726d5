package sync

import (
	"context"
	"fmt"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
)

// Resolution selects how a recorded conflict resolves. Strategy is one
// of the configured conflict strategies; manual (the default) requires
// Entity, the caller's reconciled version.
type Resolution struct {
	Strategy string
	Entity   core.Entity
}

// Resolve settles a pending conflict: it picks or writes the winning
// object, moves the local ref there under the ref lock, records the
// resolution on the chain with the conflict's remote tip as second
// parent, and deletes the record. The next push fast-forwards the
// remote. A local ref that moved since detection fails with
// ErrConcurrentUpdate and leaves the record in place.
func (e *Engine) Resolve(ctx context.Context, entityID string, res Resolution) error {
	c, err := e.Conflict(entityID)
	if err != nil {
		return err
	}
	kind, err := c.Kind()
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
	remoteHead, err := c.RemoteChainTip()
	if err != nil {
		return err
	}

	target, err := e.resolveTarget(c, kind, localHash, remoteHash, res)
	if err != nil {
		return err
	}

	refName, err := repo.EntityRef(kind, entityID)
	if err != nil {
		return err
	}
	handle, err := e.repo.Locks().AcquireContext(ctx, refName, e.repo.LockTimeout())
	if err != nil {
		return err
	}
	defer handle.Release()

	switch {
	case target.IsZero():
		var expected *core.Hash
		if !localHash.IsZero() {
			expected = &localHash
		}
		if err := e.repo.Refs().Delete(refName, expected); err != nil {
			return err
		}
	case target == localHash:
		// Keeping the local side moves nothing.
	case localHash.IsZero():
		if err := e.repo.Refs().CAS(refName, nil, target); err != nil {
			return err
		}
	default:
		if err := e.repo.Refs().CAS(refName, &localHash, target); err != nil {
			return err
		}
	}

	records := resolutionRecords(kind, entityID, localHash, remoteHash, target)
	if len(records) > 0 {
		if _, err := e.repo.AppendMergeChangeSet(remoteHead, records); err != nil {
			return err
		}
	}
	return e.removeConflict(entityID)
}

// resolveTarget maps a resolution to the hash the ref should end at.
// Zero means the entity stays (or becomes) deleted.
func (e *Engine) resolveTarget(c *Conflict, kind core.Kind, localHash, remoteHash core.Hash, res Resolution) (core.Hash, error) {
	switch res.Strategy {
	case "", config.StrategyManual:
		if res.Entity == nil {
			return core.Hash{}, fmt.Errorf("%w: manual resolution needs a resolved entity", core.ErrConfig)
		}
		if res.Entity.EntityKind() != kind || res.Entity.EntityID() != c.EntityID {
			return core.Hash{}, fmt.Errorf("%w: resolution carries %s %s, conflict is %s %s",
				core.ErrConfig, res.Entity.EntityKind(), res.Entity.EntityID(), kind, c.EntityID)
		}
		data, hash, err := e.repo.Codec().Encode(touchEntity(res.Entity))
		if err != nil {
			return core.Hash{}, err
		}
		if _, err := e.repo.Objects().Put(data); err != nil {
			return core.Hash{}, err
		}
		return hash, nil

	case config.StrategyPreferLocal:
		return localHash, nil

	case config.StrategyPreferRemote:
		return remoteHash, nil

	case config.StrategyPreferNewer:
		if c.Structural || localHash.IsZero() || remoteHash.IsZero() {
			return core.Hash{}, fmt.Errorf("%w: prefer_newer cannot settle a structural conflict", core.ErrConfig)
		}
		localEnt, err := e.repo.LoadEntity(localHash)
		if err != nil {
			return core.Hash{}, err
		}
		remoteEnt, err := e.repo.LoadEntity(remoteHash)
		if err != nil {
			return core.Hash{}, err
		}
		return newerSide(localEnt, localHash, remoteEnt, remoteHash), nil
	}
	return core.Hash{}, fmt.Errorf("%w: conflict strategy %q", core.ErrConfig, res.Strategy)
}

// touchEntity clones the resolved entity with a fresh updated_at, so
// the resolution is strictly newer than both sides it replaces.
func touchEntity(e core.Entity) core.Entity {
	now := core.Now()
	switch v := e.(type) {
	case *core.Issue:
		out := v.Clone()
		out.UpdatedAt = now
		if out.Status == core.StatusClosed && out.ClosedAt == nil {
			out.ClosedAt = &now
		}
		return out
	case *core.Project:
		out := v.Clone()
		out.UpdatedAt = now
		return out
	case *core.User:
		out := v.Clone()
		out.UpdatedAt = now
		return out
	case *core.Team:
		out := v.Clone()
		out.UpdatedAt = now
		return out
	case *core.Label:
		out := v.Clone()
		out.UpdatedAt = now
		return out
	}
	return e
}
