package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/store"
)

// refUpdate is one planned remote ref move. A nil expected asserts the
// ref must not exist remotely; a zero new hash tombstones it.
type refUpdate struct {
	name     string
	expected *core.Hash
	new      core.Hash
	status   string
}

// push classifies every shared ref against the remote snapshot, settles
// divergence locally, then uploads missing objects and applies the
// planned ref updates, remote HEAD last. A remote ref moving between
// snapshot and update fails the pass for replanning.
func (p *syncPass) push(ctx context.Context, local, remote *refSnapshot, res *Result) error {
	walks := p.newWalkers(local.tip, remote.tip)

	// Settling divergence appends merge changesets that parent the
	// remote tip, so the peer chain's closure must be local first.
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

	var plan []refUpdate
	for _, name := range sortedRefNames(local.live) {
		localHash := local.live[name]
		kind, entityID, err := repo.ParseEntityRef(name)
		if err != nil {
			res.add(name, RefFailed, "unrecognized ref path")
			continue
		}
		remoteHash, exists := remote.live[name]
		switch {
		case !exists && remote.tombs[name]:
			known, err := walks.remote.knows(ctx, remote.tip, kind, entityID, localHash)
			if err != nil {
				return err
			}
			if known {
				// The remote deleted a state it had seen; the deletion
				// reaches us on pull rather than being undone here.
				res.add(name, RefUnchanged, "deleted on remote")
				continue
			}
			s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, local: localHash})
			if err != nil {
				return err
			}
			if s.pushNew.IsZero() {
				record(name, s)
				continue
			}
			plan = append(plan, refUpdate{name: name, new: s.pushNew, status: s.status})

		case !exists:
			plan = append(plan, refUpdate{name: name, new: localHash, status: RefFastForwarded})

		case remoteHash == localHash:
			res.add(name, RefUnchanged, "")

		default:
			known, err := walks.local.knows(ctx, local.tip, kind, entityID, remoteHash)
			if err != nil {
				return err
			}
			if known {
				expected := remoteHash
				plan = append(plan, refUpdate{name: name, expected: &expected, new: localHash, status: RefFastForwarded})
				continue
			}
			s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, local: localHash, remote: remoteHash})
			if err != nil {
				return err
			}
			if s.pushNew.IsZero() {
				record(name, s)
				continue
			}
			expected := remoteHash
			plan = append(plan, refUpdate{name: name, expected: &expected, new: s.pushNew, status: s.status})
		}
	}

	for _, name := range sortedTombNames(local.tombs) {
		remoteHash, exists := remote.live[name]
		if !exists {
			continue
		}
		kind, entityID, err := repo.ParseEntityRef(name)
		if err != nil {
			res.add(name, RefFailed, "unrecognized ref path")
			continue
		}
		known, err := walks.local.knows(ctx, local.tip, kind, entityID, remoteHash)
		if err != nil {
			return err
		}
		if known {
			expected := remoteHash
			plan = append(plan, refUpdate{name: name, expected: &expected, status: RefFastForwarded})
			continue
		}
		s, err := p.settle(ctx, walks, divergence{ref: name, kind: kind, entityID: entityID, remote: remoteHash})
		if err != nil {
			return err
		}
		if s.pushNew.IsZero() {
			record(name, s)
			continue
		}
		expected := remoteHash
		plan = append(plan, refUpdate{name: name, expected: &expected, new: s.pushNew, status: s.status})
	}

	// Settling may have advanced HEAD, so re-read it before deciding
	// what tip to advertise.
	head, err := p.engine.repo.Head()
	if err != nil {
		return err
	}
	if !head.IsZero() {
		switch {
		case remote.tip.IsZero():
			plan = append(plan, refUpdate{name: store.RefHEAD, new: head, status: RefFastForwarded})
		case remote.tip == head:
			res.add(store.RefHEAD, RefUnchanged, "")
		default:
			ancestor, err := walks.local.hasAncestor(ctx, head, remote.tip)
			if err != nil {
				return err
			}
			if !ancestor {
				if p.opts.DryRun {
					res.add(store.RefHEAD, RefMerged, "independent chains would be joined")
					head = core.Hash{}
				} else {
					if head, err = p.joinChains(ctx, walks, remote.tip); err != nil {
						return err
					}
				}
			}
			if !head.IsZero() {
				expected := remote.tip
				plan = append(plan, refUpdate{name: store.RefHEAD, expected: &expected, new: head, status: RefFastForwarded})
			}
		}
	}

	if p.opts.DryRun {
		for _, u := range plan {
			res.add(u.name, u.status, "")
		}
		return nil
	}

	roots := make([]core.Hash, 0, len(plan))
	for _, u := range plan {
		if !u.new.IsZero() {
			roots = append(roots, u.new)
		}
	}
	missing, err := p.missingOnRemote(ctx, roots)
	if err != nil {
		return err
	}
	if err := p.upload(ctx, missing, res); err != nil {
		return err
	}

	finalTip := remote.tip
	for _, u := range plan {
		if err := p.transport.UpdateRef(ctx, u.name, u.expected, u.new); err != nil {
			if errors.Is(err, core.ErrConcurrentUpdate) {
				return fmt.Errorf("update %s: %w", u.name, err)
			}
			res.add(u.name, RefFailed, err.Error())
			if core.IsRetryable(err) {
				return err
			}
			continue
		}
		res.add(u.name, u.status, "")
		if u.name == store.RefHEAD {
			finalTip = u.new
		}
	}
	return p.setRemoteHead(finalTip)
}

// joinChains appends a changeset that records the remote tip, making
// two independent histories one DAG. Pushing to a hub other replicas
// also push to lands here on the first contact between chains.
func (p *syncPass) joinChains(ctx context.Context, walks *walkers, remoteTip core.Hash) (core.Hash, error) {
	cs, err := walks.remote.changeSet(ctx, remoteTip)
	if err != nil {
		return core.Hash{}, err
	}
	join := core.ChangeRecord{
		Kind:     core.KindChangeSet,
		EntityID: cs.EntityID(),
		NewHash:  remoteTip,
		Op:       core.OpMerge,
	}
	return p.engine.repo.AppendMergeChangeSet(remoteTip, []core.ChangeRecord{join})
}
