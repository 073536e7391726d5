package sync

import (
	"context"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/transport"
)

// objectLoader resolves a hash to a decoded entity. The local loader
// reads the repository store; the remote loader falls back to the
// transport and decodes in memory, never writing to the local store.
// Peer objects only become local through fetch, which writes complete
// closures, so a crashed sync cannot leave a changeset behind without
// its ancestry.
type objectLoader interface {
	load(ctx context.Context, hash core.Hash) (core.Entity, error)
}

type localLoader struct {
	repo *repo.Repository
}

func (l localLoader) load(_ context.Context, hash core.Hash) (core.Entity, error) {
	return l.repo.LoadEntity(hash)
}

type remoteLoader struct {
	repo      *repo.Repository
	transport transport.Transport
}

func (l remoteLoader) load(ctx context.Context, hash core.Hash) (core.Entity, error) {
	ok, err := l.repo.Objects().Has(hash)
	if err != nil {
		return nil, err
	}
	if ok {
		return l.repo.LoadEntity(hash)
	}
	data, err := l.transport.GetObject(ctx, hash)
	if err != nil {
		return nil, err
	}
	if core.HashBytes(data) != hash {
		return nil, fmt.Errorf("%w: object %s hash mismatch", core.ErrIntegrity, hash)
	}
	return l.repo.Codec().Decode(data)
}

// chainWalker traverses a ChangeSet DAG through an objectLoader,
// memoizing decoded changesets so repeated ancestry questions against
// the same tip stay cheap.
type chainWalker struct {
	loader objectLoader
	seen   map[core.Hash]*core.ChangeSet
}

func newChainWalker(loader objectLoader) *chainWalker {
	return &chainWalker{loader: loader, seen: make(map[core.Hash]*core.ChangeSet)}
}

func (w *chainWalker) changeSet(ctx context.Context, hash core.Hash) (*core.ChangeSet, error) {
	if cs, ok := w.seen[hash]; ok {
		return cs, nil
	}
	ent, err := w.loader.load(ctx, hash)
	if err != nil {
		return nil, err
	}
	cs, ok := ent.(*core.ChangeSet)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s object, expected changeset", core.ErrCorruption, hash, ent.EntityKind())
	}
	w.seen[hash] = cs
	return cs, nil
}

// walk visits every changeset reachable from tip, newest first within
// each generation. visit returning false stops the traversal.
func (w *chainWalker) walk(ctx context.Context, tip core.Hash, visit func(hash core.Hash, cs *core.ChangeSet) bool) error {
	if tip.IsZero() {
		return nil
	}
	visited := make(map[core.Hash]bool)
	frontier := []core.Hash{tip}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash := frontier[0]
		frontier = frontier[1:]
		if visited[hash] {
			continue
		}
		visited[hash] = true
		cs, err := w.changeSet(ctx, hash)
		if err != nil {
			return err
		}
		if !visit(hash, cs) {
			return nil
		}
		for _, parent := range cs.Parents {
			if !parent.IsZero() && !visited[parent] {
				frontier = append(frontier, parent)
			}
		}
	}
	return nil
}

// entityHistory collects every object hash the chain has recorded for
// one entity, newest changeset first. Both sides of each record count:
// a hash seen as PriorHash was this entity's state at some point even
// if the changeset recording it came from elsewhere.
func (w *chainWalker) entityHistory(ctx context.Context, tip core.Hash, kind core.Kind, entityID string) ([]core.Hash, error) {
	var history []core.Hash
	dedup := make(map[core.Hash]bool)
	err := w.walk(ctx, tip, func(_ core.Hash, cs *core.ChangeSet) bool {
		for _, rec := range cs.Records {
			if rec.Kind != kind || rec.EntityID != entityID {
				continue
			}
			for _, h := range []core.Hash{rec.NewHash, rec.PriorHash} {
				if !h.IsZero() && !dedup[h] {
					dedup[h] = true
					history = append(history, h)
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// knows reports whether the chain at tip has ever recorded hash as a
// state of the given entity. A zero hash is never known.
func (w *chainWalker) knows(ctx context.Context, tip core.Hash, kind core.Kind, entityID string, hash core.Hash) (bool, error) {
	if hash.IsZero() {
		return false, nil
	}
	found := false
	err := w.walk(ctx, tip, func(_ core.Hash, cs *core.ChangeSet) bool {
		for _, rec := range cs.Records {
			if rec.Kind != kind || rec.EntityID != entityID {
				continue
			}
			if rec.NewHash == hash || rec.PriorHash == hash {
				found = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// hasAncestor reports whether ancestor is reachable from tip.
func (w *chainWalker) hasAncestor(ctx context.Context, tip, ancestor core.Hash) (bool, error) {
	if ancestor.IsZero() || tip.IsZero() {
		return false, nil
	}
	found := false
	err := w.walk(ctx, tip, func(hash core.Hash, _ *core.ChangeSet) bool {
		if hash == ancestor {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// commonAncestor finds the newest entity state both chains have
// recorded: the first hash in local history order that also appears in
// remote history. Zero means the versions share no recorded state and
// the divergence is structural.
func commonAncestor(ctx context.Context, local, remote *chainWalker, localTip, remoteTip core.Hash, kind core.Kind, entityID string) (core.Hash, error) {
	localHist, err := local.entityHistory(ctx, localTip, kind, entityID)
	if err != nil {
		return core.Hash{}, err
	}
	if len(localHist) == 0 {
		return core.Hash{}, nil
	}
	remoteHist, err := remote.entityHistory(ctx, remoteTip, kind, entityID)
	if err != nil {
		return core.Hash{}, err
	}
	remoteSet := make(map[core.Hash]bool, len(remoteHist))
	for _, h := range remoteHist {
		remoteSet[h] = true
	}
	for _, h := range localHist {
		if remoteSet[h] {
			return h, nil
		}
	}
	return core.Hash{}, nil
}
