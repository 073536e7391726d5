// Package loadtest drives concurrent readers and writers against one
// workspace to validate the locking layer under contention.
//
// Writers create, edit, assign, and close issues; part of the traffic
// lands on a shared seed pool so several workers contend for the same
// refs, and every mutation contends for the change-set head. Readers
// run filtered lists and point reads, checking that nothing torn or
// stale ever becomes visible. After the workers drain, the workspace
// is verified object by object.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
)

// Config sizes one load run.
type Config struct {
	// Writers is the number of concurrent mutating workers.
	Writers int

	// Readers is the number of concurrent querying workers.
	Readers int

	// OpsPerWorker is how many operations each worker performs.
	OpsPerWorker int

	// SeedIssues is the size of the shared issue pool created before
	// the timed phase. Readers and part of the write traffic target it.
	SeedIssues int
}

// DefaultConfig returns the sizing the bench command uses.
func DefaultConfig() Config {
	return Config{
		Writers:      8,
		Readers:      32,
		OpsPerWorker: 25,
		SeedIssues:   50,
	}
}

func (c Config) validate() error {
	if c.Writers < 0 || c.Readers < 0 {
		return fmt.Errorf("%w: worker counts must not be negative", core.ErrInvalidIdentifier)
	}
	if c.Writers+c.Readers == 0 {
		return fmt.Errorf("%w: need at least one worker", core.ErrInvalidIdentifier)
	}
	if c.OpsPerWorker < 1 {
		return fmt.Errorf("%w: ops per worker must be at least 1", core.ErrInvalidIdentifier)
	}
	if c.SeedIssues < 1 {
		return fmt.Errorf("%w: need at least one seed issue", core.ErrInvalidIdentifier)
	}
	return nil
}

// LatencyStats summarizes one operation class.
type LatencyStats struct {
	Min  time.Duration
	P50  time.Duration // median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Ops counts recorded operations, including the failed one of an
	// aborted worker.
	Ops int

	// Errors counts workers that aborted.
	Errors int

	// Durations holds every recorded sample, sorted ascending.
	Durations []time.Duration
}

// Result is the outcome of one load run.
type Result struct {
	Writes  LatencyStats
	Reads   LatencyStats
	Elapsed time.Duration

	// WorkerErrors holds the abort error of each failed worker.
	WorkerErrors []error

	// Fsck is the post-run workspace scan.
	Fsck *repo.FsckReport
}

// OK reports whether every worker finished and the post-run scan found
// the workspace intact.
func (res *Result) OK() bool {
	return res.Writes.Errors == 0 && res.Reads.Errors == 0 &&
		res.Fsck != nil && res.Fsck.OK()
}

// Throughput returns operations per second over the timed phase.
func (res *Result) Throughput() float64 {
	if res.Elapsed <= 0 {
		return 0
	}
	return float64(res.Writes.Ops+res.Reads.Ops) / res.Elapsed.Seconds()
}

// Run seeds the workspace, races the configured workers against it,
// and scans the workspace afterwards. A worker that fails stops early
// and is counted in its class's Errors; Run itself errors only on
// setup or scan failure.
func Run(ctx context.Context, r *repo.Repository, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seeds, err := seed(ctx, r, cfg.SeedIssues)
	if err != nil {
		return nil, fmt.Errorf("seed workspace: %w", err)
	}

	var (
		mu        sync.Mutex
		writeDur  []time.Duration
		readDur   []time.Duration
		writeErrs int
		readErrs  int
		faults    []error
	)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < cfg.Writers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			durations, err := runWriter(ctx, r, workerID, cfg.OpsPerWorker, seeds)
			mu.Lock()
			defer mu.Unlock()
			writeDur = append(writeDur, durations...)
			if err != nil {
				writeErrs++
				faults = append(faults, err)
			}
		}(i)
	}
	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			durations, err := runReader(ctx, r, workerID, cfg.OpsPerWorker, seeds)
			mu.Lock()
			defer mu.Unlock()
			readDur = append(readDur, durations...)
			if err != nil {
				readErrs++
				faults = append(faults, err)
			}
		}(i)
	}
	wg.Wait()

	res := &Result{
		Writes:       computeStats(writeDur),
		Reads:        computeStats(readDur),
		Elapsed:      time.Since(start),
		WorkerErrors: faults,
	}
	res.Writes.Errors = writeErrs
	res.Reads.Errors = readErrs

	report, err := r.Fsck(ctx)
	if err != nil {
		return nil, fmt.Errorf("post-run fsck: %w", err)
	}
	res.Fsck = report
	return res, nil
}

// Weighted toward medium, like a real tracker's backlog.
var seedPriorities = []core.Priority{
	core.PriorityCritical,
	core.PriorityHigh, core.PriorityHigh,
	core.PriorityMedium, core.PriorityMedium, core.PriorityMedium,
	core.PriorityMedium, core.PriorityMedium,
	core.PriorityLow, core.PriorityLow,
}

// seed creates the shared issue pool the workers target.
func seed(ctx context.Context, r *repo.Repository, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issue, err := r.CreateIssue(repo.CreateIssueOptions{
			Title:    fmt.Sprintf("Seed issue %03d", i),
			Priority: seedPriorities[i%len(seedPriorities)],
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, issue.ID)
	}
	return ids, nil
}

// runWriter cycles through create, edit, assign, close. Creates and
// closes pair up against the worker's own issues; assigns land on the
// shared seed pool so writers contend for the same refs. The recorded
// duration includes a failed operation so slow failures stay visible.
func runWriter(ctx context.Context, r *repo.Repository, workerID, ops int, seeds []uuid.UUID) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, ops)
	var own []uuid.UUID

	for j := 0; j < ops; j++ {
		if err := ctx.Err(); err != nil {
			return durations, fmt.Errorf("writer %d: %w", workerID, err)
		}

		start := time.Now()
		var err error
		switch j % 4 {
		case 0:
			var issue *core.Issue
			issue, err = r.CreateIssue(repo.CreateIssueOptions{
				Title:    fmt.Sprintf("Load issue %d-%d", workerID, j),
				Priority: seedPriorities[(workerID+j)%len(seedPriorities)],
			})
			if err == nil {
				own = append(own, issue.ID)
			}
		case 1:
			title := fmt.Sprintf("Load issue %d-%d (edited)", workerID, j)
			_, err = r.UpdateIssue(writerTarget(own, seeds, workerID+j), repo.IssuePatch{Title: &title})
		case 2:
			_, err = r.AssignIssue(seeds[(workerID+j)%len(seeds)], fmt.Sprintf("agent-%d", workerID))
		case 3:
			if len(own) > 0 {
				id := own[len(own)-1]
				own = own[:len(own)-1]
				_, err = r.CloseIssue(id)
			} else {
				_, err = r.AssignIssue(seeds[(workerID+j)%len(seeds)], fmt.Sprintf("agent-%d", workerID))
			}
		}
		durations = append(durations, time.Since(start))
		if err != nil {
			return durations, fmt.Errorf("writer %d op %d: %w", workerID, j, err)
		}
	}
	return durations, nil
}

// writerTarget prefers the worker's newest own issue and falls back to
// the seed pool.
func writerTarget(own, seeds []uuid.UUID, salt int) uuid.UUID {
	if len(own) > 0 {
		return own[len(own)-1]
	}
	return seeds[salt%len(seeds)]
}

// runReader alternates filtered lists with point reads of seed issues
// and checks every result for consistency: an issue listed as open must
// actually be open and carry the fields writes always set.
func runReader(ctx context.Context, r *repo.Repository, workerID, ops int, seeds []uuid.UUID) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, ops)

	for j := 0; j < ops; j++ {
		if err := ctx.Err(); err != nil {
			return durations, fmt.Errorf("reader %d: %w", workerID, err)
		}

		start := time.Now()
		if j%2 == 0 {
			issues, err := r.ListIssues(ctx, core.IssueFilter{Status: core.StatusOpen})
			durations = append(durations, time.Since(start))
			if err != nil {
				return durations, fmt.Errorf("reader %d op %d: %w", workerID, j, err)
			}
			for _, issue := range issues {
				if issue.Title == "" {
					return durations, fmt.Errorf("reader %d: issue %s listed with empty title", workerID, issue.ID)
				}
				if issue.Status != core.StatusOpen {
					return durations, fmt.Errorf("reader %d: issue %s listed open with status %q", workerID, issue.ID, issue.Status)
				}
			}
			continue
		}

		id := seeds[(workerID+j)%len(seeds)]
		issue, _, err := r.GetIssue(id)
		durations = append(durations, time.Since(start))
		if err != nil {
			return durations, fmt.Errorf("reader %d op %d: %w", workerID, j, err)
		}
		if issue.ID != id {
			return durations, fmt.Errorf("reader %d: read %s, got issue %s", workerID, id, issue.ID)
		}
	}
	return durations, nil
}

// computeStats calculates percentiles from raw samples.
func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:       sorted[0],
		P50:       sorted[len(sorted)*50/100],
		Mean:      sum / time.Duration(len(sorted)),
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Max:       sorted[len(sorted)-1],
		Ops:       len(sorted),
		Durations: sorted,
	}
}

// Report writes a human-readable summary of the run.
func (res *Result) Report(w io.Writer) {
	total := res.Writes.Ops + res.Reads.Ops
	fmt.Fprintf(w, "Completed %d operations in %v (%.1f ops/sec)\n",
		total, res.Elapsed.Round(time.Millisecond), res.Throughput())
	writeStats(w, "Writes", res.Writes)
	writeStats(w, "Reads", res.Reads)

	if res.Fsck != nil {
		fmt.Fprintf(w, "Post-run scan: %d objects, %d refs, %d tombstones, chain length %d\n",
			res.Fsck.ObjectsScanned, res.Fsck.RefsScanned, res.Fsck.Tombstones, res.Fsck.ChainLength)
		for _, p := range res.Fsck.CorruptObjects {
			fmt.Fprintf(w, "  corrupt object: %s\n", p)
		}
		for _, p := range res.Fsck.BrokenRefs {
			fmt.Fprintf(w, "  broken ref: %s\n", p)
		}
		for _, p := range res.Fsck.ChainProblems {
			fmt.Fprintf(w, "  chain problem: %s\n", p)
		}
	}
	for _, err := range res.WorkerErrors {
		fmt.Fprintf(w, "  worker error: %v\n", err)
	}
}

func writeStats(w io.Writer, label string, s LatencyStats) {
	if s.Ops == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	fmt.Fprintf(w, "  Operations:   %d\n", s.Ops)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
