package sync

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/store"
	"github.com/odi-tracker/odi/internal/transport"
)

// syncPass is one push or pull attempt against a snapshot of both ref
// namespaces. A remote ref moving mid-pass fails the attempt with
// ErrConcurrentUpdate and the engine replans from fresh snapshots.
type syncPass struct {
	engine    *Engine
	transport transport.Transport
	remote    string
	direction string
	strategy  string
	opts      Options
}

func (p *syncPass) concurrency() int {
	if p.opts.TransferConcurrency > 0 {
		return p.opts.TransferConcurrency
	}
	return DefaultTransferConcurrency
}

// refSnapshot is one side's ref namespace at the start of the pass:
// live shared refs, tombstoned shared refs, and the changeset tip.
type refSnapshot struct {
	live  map[string]core.Hash
	tombs map[string]bool
	tip   core.Hash
}

// shared reports whether a ref participates in sync. Workspace state,
// remote-tracking refs, and HEAD stay local; tombstones are carried
// separately.
func shared(name string) bool {
	if !strings.HasPrefix(name, "refs/") {
		return false
	}
	switch {
	case name == store.RefWorkspace,
		strings.HasPrefix(name, store.RefPrefixRemotes),
		strings.HasPrefix(name, store.RefPrefixTombstones):
		return false
	}
	return true
}

func (p *syncPass) localSnapshot() (*refSnapshot, error) {
	snap := &refSnapshot{live: make(map[string]core.Hash), tombs: make(map[string]bool)}
	refs, err := p.engine.repo.Refs().List("")
	if err != nil {
		return nil, err
	}
	for name, hash := range refs {
		if shared(name) {
			snap.live[name] = hash
		}
	}
	dead, err := p.engine.repo.Refs().Tombstones()
	if err != nil {
		return nil, err
	}
	for _, name := range dead {
		if shared(name) {
			snap.tombs[name] = true
		}
	}
	snap.tip, err = p.engine.repo.Head()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *syncPass) remoteSnapshot(ctx context.Context) (*refSnapshot, error) {
	snap := &refSnapshot{live: make(map[string]core.Hash), tombs: make(map[string]bool)}
	refs, err := p.transport.ListRefs(ctx, "")
	if err != nil {
		return nil, err
	}
	for name, hash := range refs {
		switch {
		case name == store.RefHEAD:
			snap.tip = hash
		case strings.HasPrefix(name, store.RefPrefixTombstones):
			live := "refs/" + strings.TrimPrefix(name, store.RefPrefixTombstones)
			if shared(live) {
				snap.tombs[live] = true
			}
		case shared(name):
			snap.live[name] = hash
		}
	}
	return snap, nil
}

func sortedRefNames(refs map[string]core.Hash) []string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedTombNames(tombs map[string]bool) []string {
	names := make([]string, 0, len(tombs))
	for name := range tombs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *syncPass) run(ctx context.Context) (*Result, error) {
	res := &Result{Remote: p.remote, Direction: p.direction, StartedAt: core.Now()}

	local, err := p.localSnapshot()
	if err != nil {
		res.CompletedAt = core.Now()
		return res, err
	}
	remote, err := p.remoteSnapshot(ctx)
	if err != nil {
		res.CompletedAt = core.Now()
		return res, err
	}

	switch p.direction {
	case DirectionPush:
		err = p.push(ctx, local, remote, res)
	case DirectionPull:
		err = p.pull(ctx, local, remote, res)
	}
	res.CompletedAt = core.Now()
	sort.Slice(res.Refs, func(i, j int) bool { return res.Refs[i].Ref < res.Refs[j].Ref })
	return res, err
}

// setRemoteHead moves the local tracking ref for the remote's tip so
// later passes and status displays know what the remote last held.
func (p *syncPass) setRemoteHead(tip core.Hash) error {
	if tip.IsZero() {
		return nil
	}
	name := repo.RemoteHeadRef(p.remote)
	current, err := p.engine.repo.Refs().Read(name)
	switch {
	case err == nil:
		if current == tip {
			return nil
		}
		return p.engine.repo.Refs().CAS(name, &current, tip)
	case errors.Is(err, store.ErrNotFound):
		return p.engine.repo.Refs().CAS(name, nil, tip)
	default:
		return err
	}
}
