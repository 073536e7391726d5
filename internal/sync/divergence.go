package sync

import (
	"context"
	"fmt"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
)

// divergence is one ref the two sides disagree on. A zero hash means
// that side deleted (or never had) the entity.
type divergence struct {
	ref      string
	kind     core.Kind
	entityID string
	local    core.Hash
	remote   core.Hash
}

// settled is the outcome of reconciling one divergence. pushNew is the
// hash the remote ref should move to when the push path produced a new
// state; zero means this pass pushes nothing for the ref.
type settled struct {
	status   string
	reason   string
	pushNew  core.Hash
	conflict *Conflict
}

// walkers bundles the ancestry machinery one pass shares across every
// divergent ref: memoizing chain walkers for both tips plus the loader
// that resolves remote objects without writing them locally.
type walkers struct {
	local     *chainWalker
	remote    *chainWalker
	localTip  core.Hash
	remoteTip core.Hash
	loader    remoteLoader
}

func (p *syncPass) newWalkers(localTip, remoteTip core.Hash) *walkers {
	loader := remoteLoader{repo: p.engine.repo, transport: p.transport}
	return &walkers{
		local:     newChainWalker(localLoader{repo: p.engine.repo}),
		remote:    newChainWalker(loader),
		localTip:  localTip,
		remoteTip: remoteTip,
		loader:    loader,
	}
}

// settle reconciles one divergent ref per the pass strategy: find the
// common ancestor, three-way merge when one exists, otherwise treat
// the divergence as structural where only whole-entity resolutions
// apply.
func (p *syncPass) settle(ctx context.Context, walks *walkers, d divergence) (settled, error) {
	var localEnt, remoteEnt core.Entity
	var err error
	if !d.local.IsZero() {
		if localEnt, err = p.engine.repo.LoadEntity(d.local); err != nil {
			return settled{}, err
		}
	}
	if !d.remote.IsZero() {
		if remoteEnt, err = walks.loader.load(ctx, d.remote); err != nil {
			return settled{}, err
		}
		// The remote state becomes a merge record's prior hash, and
		// later ancestor queries may need to decode it, so it has to
		// outlive this connection.
		if !p.opts.DryRun {
			if err := p.ensureLocal(ctx, d.remote); err != nil {
				return settled{}, err
			}
		}
	}

	var ancestorHash core.Hash
	var ancestorEnt core.Entity
	if localEnt != nil && remoteEnt != nil {
		ancestorHash, err = commonAncestor(ctx, walks.local, walks.remote, walks.localTip, walks.remoteTip, d.kind, d.entityID)
		if err != nil {
			return settled{}, err
		}
		if !ancestorHash.IsZero() {
			if ancestorEnt, err = walks.loader.load(ctx, ancestorHash); err != nil {
				return settled{}, err
			}
		}
	}

	if localEnt == nil || remoteEnt == nil || ancestorEnt == nil {
		return p.settleStructural(ctx, walks, d, structuralNote(localEnt, remoteEnt))
	}

	merged, fields, err := Merge(ancestorEnt, localEnt, remoteEnt)
	if err != nil {
		return p.settleStructural(ctx, walks, d, "three-way merge impossible: "+err.Error())
	}
	if len(fields) == 0 {
		return p.commitMerge(ctx, walks, d, ancestorHash, merged)
	}

	switch p.strategy {
	case config.StrategyPreferLocal:
		return p.commitPreference(ctx, walks, d, d.local)
	case config.StrategyPreferRemote:
		return p.commitPreference(ctx, walks, d, d.remote)
	case config.StrategyPreferNewer:
		return p.commitPreference(ctx, walks, d, newerSide(localEnt, d.local, remoteEnt, d.remote))
	}
	return p.conflicted(ctx, d, ancestorHash, walks.remoteTip, fields, "", false)
}

// settleStructural handles divergence without a usable ancestor: a
// deletion racing a modification, independent creation under one ID,
// or mismatched kinds. Only whole-entity preferences apply; manual and
// prefer_newer both persist a conflict record.
func (p *syncPass) settleStructural(ctx context.Context, walks *walkers, d divergence, note string) (settled, error) {
	switch p.strategy {
	case config.StrategyPreferLocal:
		return p.commitPreference(ctx, walks, d, d.local)
	case config.StrategyPreferRemote:
		return p.commitPreference(ctx, walks, d, d.remote)
	}
	return p.conflicted(ctx, d, core.Hash{}, walks.remoteTip, nil, note, true)
}

func structuralNote(localEnt, remoteEnt core.Entity) string {
	switch {
	case localEnt == nil && remoteEnt != nil:
		return "deleted locally but modified remotely"
	case localEnt != nil && remoteEnt == nil:
		return "modified locally but deleted remotely"
	default:
		return "no common ancestor between the two versions"
	}
}

// commitMerge writes an auto-merged entity, moves the local ref, and
// records the resolution on the chain with the remote tip as second
// parent.
func (p *syncPass) commitMerge(ctx context.Context, walks *walkers, d divergence, ancestor core.Hash, merged core.Entity) (settled, error) {
	data, hash, err := p.engine.repo.Codec().Encode(merged)
	if err != nil {
		// The merged entity failed validation, for example a set merge
		// emptied a team's member list. Surface the divergence instead
		// of failing the whole ref.
		return p.conflicted(ctx, d, ancestor, walks.remoteTip, nil, "auto-merge produced an invalid entity: "+err.Error(), true)
	}
	if p.opts.DryRun {
		return settled{status: RefMerged, pushNew: hash}, nil
	}
	if _, err := p.engine.repo.Objects().Put(data); err != nil {
		return settled{}, err
	}
	expected := d.local
	if err := p.engine.repo.Refs().CAS(d.ref, &expected, hash); err != nil {
		return settled{}, err
	}
	records := resolutionRecords(d.kind, d.entityID, d.local, d.remote, hash)
	if _, err := p.engine.repo.AppendMergeChangeSet(walks.remoteTip, records); err != nil {
		return settled{}, err
	}
	return settled{status: RefMerged, pushNew: hash}, nil
}

// commitPreference resolves a divergence by adopting one side whole.
// The losing side's state still enters the chain as a merge record, so
// later passes recognize it as ancestry instead of fresh divergence.
func (p *syncPass) commitPreference(ctx context.Context, walks *walkers, d divergence, winner core.Hash) (settled, error) {
	status := RefMerged
	reason := "kept remote version"
	if winner == d.local {
		status = RefUnchanged
		reason = "kept local version"
	}
	if p.opts.DryRun {
		return settled{status: status, reason: reason}, nil
	}

	if winner != d.local {
		switch {
		case winner.IsZero():
			expected := d.local
			if err := p.engine.repo.Refs().Delete(d.ref, &expected); err != nil {
				return settled{}, err
			}
		case d.local.IsZero():
			if err := p.ensureLocal(ctx, winner); err != nil {
				return settled{}, err
			}
			if err := p.engine.repo.Refs().CAS(d.ref, nil, winner); err != nil {
				return settled{}, err
			}
		default:
			if err := p.ensureLocal(ctx, winner); err != nil {
				return settled{}, err
			}
			expected := d.local
			if err := p.engine.repo.Refs().CAS(d.ref, &expected, winner); err != nil {
				return settled{}, err
			}
		}
	}

	records := resolutionRecords(d.kind, d.entityID, d.local, d.remote, winner)
	if len(records) > 0 {
		if _, err := p.engine.repo.AppendMergeChangeSet(walks.remoteTip, records); err != nil {
			return settled{}, err
		}
	}

	// A field-level preference leaves the remote ref alone; the merge
	// records make the next push a fast-forward. A deletion divergence
	// has no remote state to leave in place, so the winning side pushes
	// now or the tombstone lingers forever.
	var pushNew core.Hash
	if d.remote.IsZero() && !winner.IsZero() {
		pushNew = winner
	}
	return settled{status: status, reason: reason, pushNew: pushNew}, nil
}

func (p *syncPass) conflicted(ctx context.Context, d divergence, ancestor, remoteTip core.Hash, fields []FieldConflict, note string, structural bool) (settled, error) {
	c := &Conflict{
		EntityKind: d.kind.String(),
		EntityID:   d.entityID,
		Remote:     p.remote,
		Direction:  p.direction,
		LocalHash:  renderOptionalHash(d.local),
		RemoteHash: renderOptionalHash(d.remote),
		Ancestor:   renderOptionalHash(ancestor),
		RemoteHead: renderOptionalHash(remoteTip),
		Structural: structural,
		Note:       note,
		DetectedAt: core.Now(),
		Fields:     fields,
	}
	if !p.opts.DryRun {
		if err := p.engine.writeConflict(c); err != nil {
			return settled{}, err
		}
	}
	reason := "manual resolution required"
	if note != "" {
		reason = note
	}
	return settled{status: RefConflicted, reason: reason, conflict: c}, nil
}

// ensureLocal copies one object from the remote into the local store.
func (p *syncPass) ensureLocal(ctx context.Context, hash core.Hash) error {
	ok, err := p.engine.repo.Objects().Has(hash)
	if err != nil || ok {
		return err
	}
	data, err := p.transport.GetObject(ctx, hash)
	if err != nil {
		return err
	}
	if core.HashBytes(data) != hash {
		return fmt.Errorf("%w: object %s hash mismatch", core.ErrIntegrity, hash)
	}
	_, err = p.engine.repo.Objects().Put(data)
	return err
}

// resolutionRecords builds the merge records for a settled divergence:
// each side that did not already hold the target gets a record moving
// it there, so both histories become ancestry of the resolution.
func resolutionRecords(kind core.Kind, entityID string, localHash, remoteHash, target core.Hash) []core.ChangeRecord {
	op := core.OpMerge
	if target.IsZero() {
		op = core.OpDelete
	}
	var records []core.ChangeRecord
	for _, prior := range []core.Hash{localHash, remoteHash} {
		if prior == target {
			continue
		}
		if prior.IsZero() && target.IsZero() {
			continue
		}
		records = append(records, core.ChangeRecord{
			Kind:      kind,
			EntityID:  entityID,
			PriorHash: prior,
			NewHash:   target,
			Op:        op,
		})
	}
	return records
}

func newerSide(localEnt core.Entity, localHash core.Hash, remoteEnt core.Entity, remoteHash core.Hash) core.Hash {
	lt, lok := updatedAt(localEnt)
	rt, rok := updatedAt(remoteEnt)
	if lok && rok && rt.After(lt) {
		return remoteHash
	}
	return localHash
}
