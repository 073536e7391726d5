// Package sync reconciles a local workspace with a remote one: it
// diffs the two ref namespaces, walks changeset ancestry to tell
// fast-forwards from real divergence, transfers missing objects, and
// three-way merges entities both sides edited. Divergence that cannot
// be merged cleanly becomes a persisted conflict record the caller
// resolves later.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/events"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/transport"
)

// DefaultTransferConcurrency bounds parallel object transfers when
// Options.TransferConcurrency is zero.
const DefaultTransferConcurrency = 4

// passRetries bounds how many times a push or pull replans after a
// remote ref moves mid-pass.
const passRetries = 3

// Sync directions.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// Per-ref outcome statuses.
const (
	RefFastForwarded = "fast_forwarded"
	RefMerged        = "merged"
	RefConflicted    = "conflicted"
	RefUnchanged     = "unchanged"
	RefFailed        = "failed"
)

// RefOutcome is the result for one ref within a sync pass.
type RefOutcome struct {
	Ref    string
	Status string
	Reason string
}

// Result summarizes one push or pull.
type Result struct {
	Remote             string
	Direction          string
	StartedAt          time.Time
	CompletedAt        time.Time
	Refs               []RefOutcome
	Conflicts          []*Conflict
	ObjectsTransferred int64
	BytesTransferred   int64
}

func (r *Result) add(ref, status, reason string) {
	r.Refs = append(r.Refs, RefOutcome{Ref: ref, Status: status, Reason: reason})
}

// Outcome returns the recorded outcome for a ref, if any.
func (r *Result) Outcome(ref string) (RefOutcome, bool) {
	for _, o := range r.Refs {
		if o.Ref == ref {
			return o, true
		}
	}
	return RefOutcome{}, false
}

// Count returns how many refs finished with the given status.
func (r *Result) Count(status string) int {
	n := 0
	for _, o := range r.Refs {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Duration is the wall time the pass took.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Options tunes a single sync operation.
type Options struct {
	// Strategy overrides the configured sync.conflict_strategy for
	// this operation. Empty means use the configuration.
	Strategy string

	// TransferConcurrency bounds parallel object up/downloads. Zero
	// means DefaultTransferConcurrency.
	TransferConcurrency int

	// Timeout bounds each transport verb. Zero means the transport
	// default.
	Timeout time.Duration

	// DryRun classifies every ref and reports what would happen
	// without transferring objects, moving refs, or writing conflict
	// records.
	DryRun bool
}

// Engine runs sync passes against a repository.
type Engine struct {
	repo   *repo.Repository
	logger *log.Logger
}

// New returns an engine bound to an open repository.
func New(r *repo.Repository, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{repo: r, logger: logger}
}

// Push reconciles the remote with local state: missing objects are
// uploaded, remote refs fast-forwarded or merged, and the remote HEAD
// advanced. Divergent refs that merge cleanly commit locally first and
// push the merged state; the rest become conflict records and fail the
// operation with ErrConflictsPresent after unaffected refs complete.
func (e *Engine) Push(ctx context.Context, remote string, opts Options) (*Result, error) {
	return e.sync(ctx, remote, DirectionPush, opts)
}

// Pull reconciles local state with the remote, symmetric to Push:
// remote-only and remote-advanced refs apply locally, divergence merges
// or conflicts, and one merge changeset parenting the remote tip
// records everything applied.
func (e *Engine) Pull(ctx context.Context, remote string, opts Options) (*Result, error) {
	return e.sync(ctx, remote, DirectionPull, opts)
}

func (e *Engine) sync(ctx context.Context, remote, direction string, opts Options) (*Result, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = e.repo.Config().Sync.ConflictStrategy
	}
	if strategy == "" {
		strategy = config.StrategyManual
	}
	if !config.ValidStrategy(strategy) {
		return nil, fmt.Errorf("%w: conflict strategy %q", core.ErrConfig, strategy)
	}

	desc, err := e.repo.GetRemote(remote)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(desc.URL, transport.Options{
		Timeout:  opts.Timeout,
		AuthHint: desc.AuthHint,
		Retry:    transport.DefaultRetry,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// One sync per remote at a time. Ref-level locks still guard the
	// individual CAS operations underneath.
	handle, err := e.repo.Locks().AcquireContext(ctx, "sync/"+remote, e.repo.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var res *Result
	for attempt := 0; ; attempt++ {
		pass := &syncPass{
			engine:    e,
			transport: conn,
			remote:    remote,
			direction: direction,
			strategy:  strategy,
			opts:      opts,
		}
		res, err = pass.run(ctx)
		if err == nil {
			break
		}
		raced := errors.Is(err, core.ErrConcurrentUpdate)
		if !raced || attempt+1 >= passRetries {
			if raced {
				err = fmt.Errorf("%w: %s kept moving during %s: %v", core.ErrRemoteRefMoved, remote, direction, err)
			}
			return res, err
		}
		e.logger.Printf("%s %s: remote refs moved, replanning (attempt %d)", direction, remote, attempt+2)
	}

	if !opts.DryRun {
		if err := e.repo.UpdateRemoteLastSync(remote); err != nil {
			e.logger.Printf("stamp last_sync for %s: %v", remote, err)
		}
	}

	if !opts.DryRun {
		for _, o := range res.Refs {
			e.repo.Bus().PublishSyncOutcome(events.SyncOutcome{
				Remote:    remote,
				Direction: direction,
				Ref:       o.Ref,
				Status:    o.Status,
			})
		}
		for _, c := range res.Conflicts {
			kind, kerr := c.Kind()
			if kerr != nil {
				continue
			}
			e.repo.Bus().PublishConflict(events.Conflict{
				Remote:   remote,
				Kind:     kind,
				EntityID: c.EntityID,
			})
		}
	}

	sort.Slice(res.Refs, func(i, j int) bool { return res.Refs[i].Ref < res.Refs[j].Ref })
	e.logger.Printf("%s %s: %d fast-forwarded, %d merged, %d conflicted, %d unchanged, %d failed, %d objects (%d bytes) in %s",
		direction, remote,
		res.Count(RefFastForwarded), res.Count(RefMerged), res.Count(RefConflicted),
		res.Count(RefUnchanged), res.Count(RefFailed),
		res.ObjectsTransferred, res.BytesTransferred, res.Duration().Round(time.Millisecond))

	if n := len(res.Conflicts); n > 0 && !opts.DryRun {
		return res, fmt.Errorf("%w: %d under %s", core.ErrConflictsPresent, n, conflictsDirName)
	}
	return res, nil
}
