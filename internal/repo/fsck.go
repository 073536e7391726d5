package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// FsckProblem is one finding from a workspace scan.
type FsckProblem struct {
	// Subject is the object hash or ref name the problem is about.
	Subject string
	Reason  string
}

func (p FsckProblem) String() string {
	return p.Subject + ": " + p.Reason
}

// FsckReport summarizes a full workspace verification.
type FsckReport struct {
	ObjectsScanned int
	RefsScanned    int
	Tombstones     int
	ChainLength    int

	CorruptObjects []FsckProblem
	BrokenRefs     []FsckProblem
	ChainProblems  []FsckProblem
}

// OK reports whether the scan found nothing wrong.
func (rep *FsckReport) OK() bool {
	return len(rep.CorruptObjects) == 0 && len(rep.BrokenRefs) == 0 && len(rep.ChainProblems) == 0
}

// Fsck verifies the whole workspace: every object re-hashes to its name
// and decodes to a valid entity, every live ref points at a present
// object, and the change-set chain walks from HEAD without gaps.
// Findings go in the report; the returned error is reserved for scan
// failures (I/O, cancellation), never for findings.
func (r *Repository) Fsck(ctx context.Context) (*FsckReport, error) {
	report := &FsckReport{}

	hashes, err := r.objects.Enumerate(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: fsck: %v", core.ErrTimeout, err)
		}
		report.ObjectsScanned++
		data, err := r.objects.Get(hash)
		if err != nil {
			report.CorruptObjects = append(report.CorruptObjects, FsckProblem{
				Subject: hash.String(), Reason: err.Error(),
			})
			continue
		}
		if _, err := r.codec.Decode(data); err != nil {
			report.CorruptObjects = append(report.CorruptObjects, FsckProblem{
				Subject: hash.String(), Reason: err.Error(),
			})
		}
	}

	refs, err := r.refs.List("")
	if err != nil {
		return nil, err
	}
	if head, err := r.Head(); err != nil {
		return nil, err
	} else if !head.IsZero() {
		refs[store.RefHEAD] = head
	}
	for name, hash := range refs {
		report.RefsScanned++
		ok, err := r.objects.Has(hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.BrokenRefs = append(report.BrokenRefs, FsckProblem{
				Subject: name, Reason: "target object " + hash.Short() + " missing",
			})
		}
	}

	tombstones, err := r.refs.Tombstones()
	if err != nil {
		return nil, err
	}
	report.Tombstones = len(tombstones)

	if err := r.fsckChain(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// fsckChain walks the change-set chain from HEAD, counting reachable
// change sets and recording missing or mistyped links.
func (r *Repository) fsckChain(ctx context.Context, report *FsckReport) error {
	head, err := r.Head()
	if err != nil {
		return err
	}
	if head.IsZero() {
		return nil
	}

	seen := make(map[core.Hash]bool)
	frontier := []core.Hash{head}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: fsck chain: %v", core.ErrTimeout, err)
		}
		hash := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if seen[hash] {
			continue
		}
		seen[hash] = true

		entity, err := r.LoadEntity(hash)
		if errors.Is(err, store.ErrNotFound) {
			report.ChainProblems = append(report.ChainProblems, FsckProblem{
				Subject: hash.String(), Reason: "change set missing from object store",
			})
			continue
		}
		if err != nil {
			report.ChainProblems = append(report.ChainProblems, FsckProblem{
				Subject: hash.String(), Reason: err.Error(),
			})
			continue
		}
		cs, ok := entity.(*core.ChangeSet)
		if !ok {
			report.ChainProblems = append(report.ChainProblems, FsckProblem{
				Subject: hash.String(), Reason: "chain points at a " + entity.EntityKind().String() + " object",
			})
			continue
		}
		report.ChainLength++
		frontier = append(frontier, cs.Parents...)
	}
	return nil
}
