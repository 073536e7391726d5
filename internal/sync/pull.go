package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
)

// localMove is one planned local ref change plus the chain record that
// documents it once applied.
type localMove struct {
	name     string
	expected *core.Hash
	new      core.Hash
	status   string
	record   core.ChangeRecord
}

// pull applies remote-only and remote-advanced refs locally, settles
// divergence, and records everything applied in a single merge
// changeset whose second parent is the remote tip.
func (p *syncPass) pull(ctx context.Context, local, remote *refSnapshot, res *Result) error {
	walks := p.newWalkers(local.tip, remote.tip)

	// The merge changeset recording this pull parents the remote tip,
	// so the peer chain's closure must be local before anything
	// applies.
	if !remote.tip.IsZero() && !p.opts.DryRun {
		if err := p.fetch(ctx, []core.Hash{remote.tip}, res); err != nil {
			return err
		}
	}

	record := func(name string, s settled) {
		res.add(name, s.status, s.reason)
		if s.conflict != nil {
			res.Conflicts = append(res.Conflicts, s.conflict)
		}
	}

	var plan []localMove
	for _, name := range sortedRefNames(remote.live) {
		remoteHash := remote.live[name]
		kind, entityID, err := repo.ParseEntityRef(name)
		if err != nil {
			res.add(name, RefFailed, "unrecognized ref path")
			continue
		}
		localHash, exists := local.live[name]
		switch {
		case !exists && local.tombs[name]:
			known, err := walks.local.knows(ctx, local.tip, kind, entityID, remoteHash)
			if err != nil {
				return err
			}
			if known {
				// We deleted a state we had seen; push propagates the
				// deletion rather than the pull undoing it.
				res.add(name, RefUnchanged, "deleted locally")
				continue
			}
			s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, remote: remoteHash})
			if err != nil {
				return err
			}
			record(name, s)

		case !exists:
			plan = append(plan, localMove{
				name:   name,
				new:    remoteHash,
				status: RefFastForwarded,
				record: core.ChangeRecord{Kind: kind, EntityID: entityID, NewHash: remoteHash, Op: core.OpCreate},
			})

		case localHash == remoteHash:
			res.add(name, RefUnchanged, "")

		default:
			known, err := walks.remote.knows(ctx, remote.tip, kind, entityID, localHash)
			if err != nil {
				return err
			}
			if known {
				expected := localHash
				plan = append(plan, localMove{
					name:     name,
					expected: &expected,
					new:      remoteHash,
					status:   RefFastForwarded,
					record:   core.ChangeRecord{Kind: kind, EntityID: entityID, PriorHash: localHash, NewHash: remoteHash, Op: core.OpModify},
				})
				continue
			}
			selfKnown, err := walks.local.knows(ctx, local.tip, kind, entityID, remoteHash)
			if err != nil {
				return err
			}
			if selfKnown {
				res.add(name, RefUnchanged, "ahead of remote")
				continue
			}
			s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, local: localHash, remote: remoteHash})
			if err != nil {
				return err
			}
			record(name, s)
		}
	}

	for _, name := range sortedTombNames(remote.tombs) {
		localHash, exists := local.live[name]
		if !exists {
			continue
		}
		kind, entityID, err := repo.ParseEntityRef(name)
		if err != nil {
			res.add(name, RefFailed, "unrecognized ref path")
			continue
		}
		known, err := walks.remote.knows(ctx, remote.tip, kind, entityID, localHash)
		if err != nil {
			return err
		}
		if known {
			expected := localHash
			plan = append(plan, localMove{
				name:     name,
				expected: &expected,
				status:   RefFastForwarded,
				record:   core.ChangeRecord{Kind: kind, EntityID: entityID, PriorHash: localHash, Op: core.OpDelete},
			})
			continue
		}
		s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, local: localHash})
		if err != nil {
			return err
		}
		record(name, s)
	}

	if p.opts.DryRun {
		for _, m := range plan {
			res.add(m.name, m.status, "")
		}
		return nil
	}

	// Ref targets can sit outside the remote chain closure if a pusher
	// crashed between updating the ref and advancing HEAD.
	roots := make([]core.Hash, 0, len(plan))
	for _, m := range plan {
		if !m.new.IsZero() {
			roots = append(roots, m.new)
		}
	}
	if err := p.fetch(ctx, roots, res); err != nil {
		return err
	}

	var applied []core.ChangeRecord
	for _, m := range plan {
		var err error
		switch {
		case m.new.IsZero():
			err = p.engine.repo.Refs().Delete(m.name, m.expected)
		default:
			err = p.engine.repo.Refs().CAS(m.name, m.expected, m.new)
		}
		if err != nil {
			if errors.Is(err, core.ErrConcurrentUpdate) {
				return fmt.Errorf("apply %s: %w", m.name, err)
			}
			res.add(m.name, RefFailed, err.Error())
			continue
		}
		res.add(m.name, m.status, "")
		applied = append(applied, m.record)
	}
	if len(applied) > 0 {
		if _, err := p.engine.repo.AppendMergeChangeSet(remote.tip, applied); err != nil {
			return err
		}
	}
	return p.setRemoteHead(remote.tip)
}
