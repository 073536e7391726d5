package loadtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
)

func testRepo(t *testing.T) *repo.Repository {
	t.Helper()
	overrides := map[string]any{}
	config.SetKeyPath(overrides, "user.name", "bench")
	config.SetKeyPath(overrides, "user.email", "bench@example.com")
	r, err := repo.Init(t.TempDir(), repo.InitOptions{Options: repo.Options{
		UserConfigFile:  filepath.Join(t.TempDir(), "no-such-config"),
		ConfigOverrides: overrides,
		Logger:          log.New(io.Discard, "", 0),
	}})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func countIssues(t *testing.T, r *repo.Repository, status core.Status) int {
	t.Helper()
	issues, err := r.ListIssues(context.Background(), core.IssueFilter{Status: status})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	return len(issues)
}

func TestRunSmall(t *testing.T) {
	r := testRepo(t)
	cfg := Config{Writers: 4, Readers: 8, OpsPerWorker: 8, SeedIssues: 10}

	res, err := Run(context.Background(), r, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK() {
		t.Fatalf("run not clean: %d write errors, %d read errors, faults %v",
			res.Writes.Errors, res.Reads.Errors, res.WorkerErrors)
	}

	if got, want := res.Writes.Ops, cfg.Writers*cfg.OpsPerWorker; got != want {
		t.Errorf("write ops = %d, want %d", got, want)
	}
	if got, want := res.Reads.Ops, cfg.Readers*cfg.OpsPerWorker; got != want {
		t.Errorf("read ops = %d, want %d", got, want)
	}
	if res.Elapsed <= 0 || res.Throughput() <= 0 {
		t.Errorf("elapsed %v throughput %.1f, want both positive", res.Elapsed, res.Throughput())
	}

	// Each writer's op cycle creates two issues and closes both, so the
	// seeds stay open and the created ones end closed.
	if got := countIssues(t, r, core.StatusOpen); got != cfg.SeedIssues {
		t.Errorf("open issues = %d, want %d", got, cfg.SeedIssues)
	}
	if got, want := countIssues(t, r, core.StatusClosed), cfg.Writers*2; got != want {
		t.Errorf("closed issues = %d, want %d", got, want)
	}

	for _, s := range []LatencyStats{res.Writes, res.Reads} {
		if s.Min > s.P50 || s.P50 > s.P95 || s.P95 > s.Max {
			t.Errorf("percentiles out of order: min %v p50 %v p95 %v max %v", s.Min, s.P50, s.P95, s.Max)
		}
		if len(s.Durations) != s.Ops {
			t.Errorf("kept %d samples for %d ops", len(s.Durations), s.Ops)
		}
	}
}

func TestRunUnderContention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping contention run in short mode")
	}
	r := testRepo(t)
	cfg := Config{Writers: 8, Readers: 16, OpsPerWorker: 12, SeedIssues: 16}

	res, err := Run(context.Background(), r, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK() {
		t.Fatalf("run not clean: faults %v, fsck %+v", res.WorkerErrors, res.Fsck)
	}

	// Three create/close pairs per writer at twelve ops.
	if got := countIssues(t, r, core.StatusOpen); got != cfg.SeedIssues {
		t.Errorf("open issues = %d, want %d", got, cfg.SeedIssues)
	}
	if got, want := countIssues(t, r, core.StatusClosed), cfg.Writers*3; got != want {
		t.Errorf("closed issues = %d, want %d", got, want)
	}
	if res.Fsck.ChainLength == 0 {
		t.Error("post-run scan saw no change-set chain")
	}
}

func TestRunValidatesConfig(t *testing.T) {
	r := testRepo(t)
	cases := []struct {
		name string
		cfg  Config
	}{
		{"negative writers", Config{Writers: -1, Readers: 1, OpsPerWorker: 1, SeedIssues: 1}},
		{"no workers", Config{Writers: 0, Readers: 0, OpsPerWorker: 1, SeedIssues: 1}},
		{"zero ops", Config{Writers: 1, Readers: 1, OpsPerWorker: 0, SeedIssues: 1}},
		{"no seeds", Config{Writers: 1, Readers: 1, OpsPerWorker: 1, SeedIssues: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Run(context.Background(), r, tc.cfg); !errors.Is(err, core.ErrInvalidIdentifier) {
				t.Fatalf("Run = %v, want InvalidIdentifier", err)
			}
		})
	}

	// Nothing may be written before validation passes.
	if got := countIssues(t, r, ""); got != 0 {
		t.Errorf("rejected runs wrote %d issues", got)
	}
}

func TestRunHonorsCancel(t *testing.T) {
	r := testRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, r, Config{Writers: 1, Readers: 1, OpsPerWorker: 1, SeedIssues: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestComputeStats(t *testing.T) {
	if got := computeStats(nil); got.Ops != 0 || got.Max != 0 {
		t.Errorf("computeStats(nil) = %+v, want zero", got)
	}

	// Feed 100ms..1ms in reverse so sorting is exercised too.
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(100-i) * time.Millisecond
	}
	s := computeStats(samples)

	if s.Ops != 100 {
		t.Errorf("Ops = %d, want 100", s.Ops)
	}
	if s.Min != 1*time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("min %v max %v, want 1ms and 100ms", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", s.P50)
	}
	if s.P95 != 96*time.Millisecond {
		t.Errorf("P95 = %v, want 96ms", s.P95)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", s.P99)
	}
	if want := 50500 * time.Microsecond; s.Mean != want {
		t.Errorf("Mean = %v, want %v", s.Mean, want)
	}
}

func TestReport(t *testing.T) {
	r := testRepo(t)
	res, err := Run(context.Background(), r, Config{Writers: 1, Readers: 1, OpsPerWorker: 4, SeedIssues: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var buf bytes.Buffer
	res.Report(&buf)
	out := buf.String()

	for _, want := range []string{"Completed 8 operations", "Writes:", "Reads:", "Post-run scan:"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
