package sync

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/odi-tracker/odi/internal/core"
)

// probeBatch caps how many hashes a single HasObjects round trip
// carries.
const probeBatch = 256

// chainReferences returns the object hashes a changeset depends on:
// its parents and the new state of every record. Workspace and remote
// descriptors never leave the repository that wrote them, so records
// touching those kinds contribute nothing to the transferable closure.
func chainReferences(cs *core.ChangeSet) []core.Hash {
	refs := make([]core.Hash, 0, len(cs.Parents)+len(cs.Records))
	for _, parent := range cs.Parents {
		if !parent.IsZero() {
			refs = append(refs, parent)
		}
	}
	for _, rec := range cs.Records {
		if rec.Kind == core.KindWorkspace || rec.Kind == core.KindRemote {
			continue
		}
		if !rec.NewHash.IsZero() {
			refs = append(refs, rec.NewHash)
		}
	}
	return refs
}

// uploadSet is the outcome of a missing-object probe: plain entities
// with no ordering constraint, and chain objects in dependency order
// so a changeset never lands before what it references.
type uploadSet struct {
	entities []core.Hash
	chain    []core.Hash
}

func (s *uploadSet) size() int {
	return len(s.entities) + len(s.chain)
}

// missingOnRemote walks the closure of roots through the local store,
// probing the remote in batches and descending only into objects the
// remote lacks. The remote holding an object means it holds that
// object's closure, the same completeness invariant fetch maintains
// locally.
func (p *syncPass) missingOnRemote(ctx context.Context, roots []core.Hash) (*uploadSet, error) {
	missing := make(map[core.Hash]bool)
	isChain := make(map[core.Hash]bool)
	outrefs := make(map[core.Hash][]core.Hash)
	enqueued := make(map[core.Hash]bool)

	var frontier []core.Hash
	for _, root := range roots {
		if !root.IsZero() && !enqueued[root] {
			enqueued[root] = true
			frontier = append(frontier, root)
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := frontier
		if len(batch) > probeBatch {
			batch = batch[:probeBatch]
			frontier = frontier[probeBatch:]
		} else {
			frontier = nil
		}
		present, err := p.transport.HasObjects(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(present) != len(batch) {
			return nil, fmt.Errorf("%w: object probe answered %d of %d", core.ErrUnavailable, len(present), len(batch))
		}
		for i, hash := range batch {
			if present[i] {
				continue
			}
			missing[hash] = true
			ent, err := p.engine.repo.LoadEntity(hash)
			if err != nil {
				return nil, err
			}
			cs, ok := ent.(*core.ChangeSet)
			if !ok {
				continue
			}
			isChain[hash] = true
			refs := chainReferences(cs)
			outrefs[hash] = refs
			for _, ref := range refs {
				if !enqueued[ref] {
					enqueued[ref] = true
					frontier = append(frontier, ref)
				}
			}
		}
	}

	set := &uploadSet{}
	for hash := range missing {
		if !isChain[hash] {
			set.entities = append(set.entities, hash)
		}
	}
	sort.Slice(set.entities, func(i, j int) bool {
		return set.entities[i].String() < set.entities[j].String()
	})

	emitted := make(map[core.Hash]bool)
	var emit func(hash core.Hash)
	emit = func(hash core.Hash) {
		if emitted[hash] || !isChain[hash] {
			return
		}
		emitted[hash] = true
		for _, ref := range outrefs[hash] {
			emit(ref)
		}
		set.chain = append(set.chain, hash)
	}
	for _, root := range roots {
		emit(root)
	}
	return set, nil
}

// upload sends a missing set to the remote: entities in parallel,
// then the chain sequentially in dependency order.
func (p *syncPass) upload(ctx context.Context, set *uploadSet, res *Result) error {
	if set.size() == 0 {
		return nil
	}
	var objects, transferred atomic.Int64
	send := func(ctx context.Context, hash core.Hash) error {
		data, err := p.engine.repo.Objects().Get(hash)
		if err != nil {
			return err
		}
		if err := p.transport.PutObject(ctx, hash, data); err != nil {
			return fmt.Errorf("put %s: %w", hash, err)
		}
		objects.Add(1)
		transferred.Add(int64(len(data)))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for _, hash := range set.entities {
		g.Go(func() error {
			return send(gctx, hash)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, hash := range set.chain {
		if err := send(ctx, hash); err != nil {
			return err
		}
	}
	res.ObjectsTransferred += objects.Load()
	res.BytesTransferred += transferred.Load()
	return nil
}

// fetch pulls the closure of roots from the remote into the local
// store. Objects are verified against their hash on receipt. Entities
// land as soon as they arrive; changeset bodies are held back and
// written in dependency order afterward, so an interrupted fetch never
// leaves a changeset in the store without its closure. A changeset
// already present locally is complete by that same invariant and stops
// the descent.
func (p *syncPass) fetch(ctx context.Context, roots []core.Hash, res *Result) error {
	chainData := make(map[core.Hash][]byte)
	chainRefs := make(map[core.Hash][]core.Hash)
	enqueued := make(map[core.Hash]bool)

	var pending []core.Hash
	for _, root := range roots {
		if !root.IsZero() && !enqueued[root] {
			enqueued[root] = true
			pending = append(pending, root)
		}
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		level := pending
		pending = nil

		var wanted []core.Hash
		for _, hash := range level {
			ok, err := p.engine.repo.Objects().Has(hash)
			if err != nil {
				return err
			}
			if !ok && chainData[hash] == nil {
				wanted = append(wanted, hash)
			}
		}

		bodies := make([][]byte, len(wanted))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency())
		for i, hash := range wanted {
			g.Go(func() error {
				data, err := p.transport.GetObject(gctx, hash)
				if err != nil {
					return fmt.Errorf("get %s: %w", hash, err)
				}
				if core.HashBytes(data) != hash {
					return fmt.Errorf("%w: object %s hash mismatch", core.ErrIntegrity, hash)
				}
				bodies[i] = data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, hash := range wanted {
			data := bodies[i]
			res.ObjectsTransferred++
			res.BytesTransferred += int64(len(data))
			ent, err := p.engine.repo.Codec().Decode(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", hash, err)
			}
			cs, ok := ent.(*core.ChangeSet)
			if !ok {
				if _, err := p.engine.repo.Objects().Put(data); err != nil {
					return err
				}
				continue
			}
			refs := chainReferences(cs)
			chainData[hash] = data
			chainRefs[hash] = refs
			for _, ref := range refs {
				if !enqueued[ref] {
					enqueued[ref] = true
					pending = append(pending, ref)
				}
			}
		}
	}

	written := make(map[core.Hash]bool)
	var write func(hash core.Hash) error
	write = func(hash core.Hash) error {
		data, ok := chainData[hash]
		if !ok || written[hash] {
			return nil
		}
		written[hash] = true
		for _, ref := range chainRefs[hash] {
			if err := write(ref); err != nil {
				return err
			}
		}
		_, err := p.engine.repo.Objects().Put(data)
		return err
	}
	for _, root := range roots {
		if err := write(root); err != nil {
			return err
		}
	}
	return nil
}
