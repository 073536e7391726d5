package repo

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// testOptions builds Options with a throwaway identity and without
// touching the developer's real user-global config.
func testOptions(t *testing.T) Options {
	t.Helper()
	overrides := map[string]any{}
	config.SetKeyPath(overrides, "user.name", "alice")
	config.SetKeyPath(overrides, "user.email", "alice@example.com")
	return Options{
		UserConfigFile:  filepath.Join(t.TempDir(), "no-such-config"),
		ConfigOverrides: overrides,
		Logger:          log.New(io.Discard, "", 0),
	}
}

func testRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Init(t.TempDir(), InitOptions{Options: testOptions(t)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// chainLength walks the change-set chain from HEAD.
func chainLength(t *testing.T, r *Repository) int {
	t.Helper()
	report, err := r.Fsck(context.Background())
	if err != nil {
		t.Fatalf("Fsck: %v", err)
	}
	if !report.OK() {
		t.Fatalf("workspace not clean: %+v", report)
	}
	return report.ChainLength
}

func countObjects(t *testing.T, r *Repository, kind core.Kind) int {
	t.Helper()
	hashes, err := r.Objects().Enumerate(context.Background(), kind)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	return len(hashes)
}

func TestInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, InitOptions{Options: testOptions(t)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()

	for _, sub := range []string{"objects", "refs", "locks", "config"} {
		if _, err := os.Stat(filepath.Join(dir, DirName, sub)); err != nil {
			t.Errorf("missing %s: %v", sub, err)
		}
	}

	workspace, _, err := r.GetWorkspace()
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if workspace.Root != dir {
		t.Errorf("workspace root = %q, want %q", workspace.Root, dir)
	}
	if got := chainLength(t, r); got != 1 {
		t.Errorf("chain length after init = %d, want 1", got)
	}

	if _, err := Init(dir, InitOptions{Options: testOptions(t)}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestFindRootWalksUp(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, InitOptions{Options: testOptions(t)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.Close()

	nested := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	root, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if root != filepath.Join(dir, DirName) {
		t.Errorf("FindRoot = %q, want %q", root, filepath.Join(dir, DirName))
	}

	if _, err := FindRoot(t.TempDir()); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("FindRoot outside a workspace = %v, want UnknownEntity", err)
	}
}

func TestInitWithProject(t *testing.T) {
	dir := t.TempDir()
	opts := InitOptions{Options: testOptions(t)}
	opts.Project = "backend"
	r, err := Init(dir, opts)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()

	if _, _, err := r.GetProject("backend"); err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	workspace, _, err := r.GetWorkspace()
	if err != nil {
		t.Fatal(err)
	}
	if !core.SetContains(workspace.Projects, "backend") {
		t.Errorf("workspace projects = %v, want backend present", workspace.Projects)
	}
	if r.Config().Workspace.DefaultProject != "backend" {
		t.Errorf("default_project = %q, want backend", r.Config().Workspace.DefaultProject)
	}
}

func TestCreateAndReadIssue(t *testing.T) {
	r := testRepo(t)

	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Fix login", Priority: core.PriorityHigh})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Author != "alice" {
		t.Errorf("author = %q, want alice", issue.Author)
	}
	if issue.Status != core.StatusOpen {
		t.Errorf("status = %q, want open", issue.Status)
	}
	if issue.CreatedAt.IsZero() || !issue.CreatedAt.Equal(issue.UpdatedAt) {
		t.Errorf("timestamps: created=%v updated=%v, want equal non-zero", issue.CreatedAt, issue.UpdatedAt)
	}

	issues, err := r.ListIssues(context.Background(), core.IssueFilter{})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != issue.ID {
		t.Fatalf("ListIssues = %d entries, want the created issue", len(issues))
	}

	if got := countObjects(t, r, core.KindIssue); got != 1 {
		t.Errorf("issue objects = %d, want 1", got)
	}
	refs, err := r.Refs().List(store.RefPrefixIssues)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Errorf("issue refs = %d, want 1", len(refs))
	}

	got, hash, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Title != "Fix login" || hash.IsZero() {
		t.Errorf("GetIssue = %q at %s", got.Title, hash.Short())
	}
}

func TestIllegalTransitionLeavesStateUntouched(t *testing.T) {
	r := testRepo(t)
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Open issue"})
	if err != nil {
		t.Fatal(err)
	}
	_, beforeHash, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	beforeObjects := countObjects(t, r, core.KindIssue)

	_, err = r.UpdateIssueStatus(issue.ID, core.StatusResolved)
	var te *core.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("UpdateIssueStatus error = %v, want TransitionError", err)
	}
	if te.From != core.StatusOpen || te.To != core.StatusResolved {
		t.Errorf("transition = %s -> %s, want open -> resolved", te.From, te.To)
	}
	if !errors.Is(err, core.ErrIllegalTransition) {
		t.Errorf("errors.Is(ErrIllegalTransition) = false")
	}

	_, afterHash, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if afterHash != beforeHash {
		t.Errorf("ref moved from %s to %s on failed mutation", beforeHash.Short(), afterHash.Short())
	}
	if got := countObjects(t, r, core.KindIssue); got != beforeObjects {
		t.Errorf("issue objects = %d, want %d (no new object)", got, beforeObjects)
	}
}

func TestConcurrentFieldUpdates(t *testing.T) {
	r := testRepo(t)
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Contended"})
	if err != nil {
		t.Fatal(err)
	}
	objectsBefore := countObjects(t, r, core.KindIssue)
	chainBefore := chainLength(t, r)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		high := core.PriorityHigh
		_, err := r.UpdateIssue(issue.ID, IssuePatch{Priority: &high})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := r.UpdateIssue(issue.ID, IssuePatch{AddAssignees: []string{"bob"}})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}

	final, _, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Priority != core.PriorityHigh {
		t.Errorf("priority = %q, want high (both writes must land)", final.Priority)
	}
	if !core.SetContains(final.Assignees, "bob") {
		t.Errorf("assignees = %v, want bob present", final.Assignees)
	}

	if got := countObjects(t, r, core.KindIssue); got != objectsBefore+2 {
		t.Errorf("issue objects = %d, want %d", got, objectsBefore+2)
	}
	if got := chainLength(t, r); got != chainBefore+2 {
		t.Errorf("chain grew to %d, want %d", got, chainBefore+2)
	}
}

func TestConcurrentDistinctIssues(t *testing.T) {
	r := testRepo(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CreateIssue(CreateIssueOptions{Title: "parallel"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	issues, err := r.ListIssues(context.Background(), core.IssueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != n {
		t.Errorf("issues = %d, want %d", len(issues), n)
	}
	// Init's workspace commit plus one change set per create.
	if got := chainLength(t, r); got != n+1 {
		t.Errorf("chain length = %d, want %d", got, n+1)
	}
}

func TestStatusFlow(t *testing.T) {
	r := testRepo(t)
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Lifecycle"})
	if err != nil {
		t.Fatal(err)
	}

	for _, to := range []core.Status{core.StatusInProgress, core.StatusResolved, core.StatusClosed} {
		if _, err := r.UpdateIssueStatus(issue.ID, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	closed, _, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.ClosedAt == nil {
		t.Error("closed issue has nil closed_at")
	}

	reopened, err := r.UpdateIssueStatus(issue.ID, core.StatusOpen)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ClosedAt != nil {
		t.Error("reopened issue kept closed_at")
	}
}

func TestUpdateIssuePatch(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateProject("web", "Web"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateLabel("web", "bug", "#ff0000"); err != nil {
		t.Fatal(err)
	}
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Patchable", Project: "web"})
	if err != nil {
		t.Fatal(err)
	}

	// Timestamps have millisecond resolution; make the advance observable.
	time.Sleep(2 * time.Millisecond)

	title := "Patched title"
	desc := "with details"
	updated, err := r.UpdateIssue(issue.ID, IssuePatch{
		Title:       &title,
		Description: &desc,
		AddLabels:   []string{"bug"},
	})
	if err != nil {
		t.Fatalf("UpdateIssue: %v", err)
	}
	if updated.Title != title || updated.Description == nil || *updated.Description != desc {
		t.Errorf("patch not applied: %+v", updated)
	}
	if !core.SetContains(updated.Labels, "bug") {
		t.Errorf("labels = %v, want bug", updated.Labels)
	}
	if !updated.UpdatedAt.After(issue.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", issue.UpdatedAt, updated.UpdatedAt)
	}

	cleared, err := r.UpdateIssue(issue.ID, IssuePatch{ClearDescription: true, RemoveLabels: []string{"bug"}})
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Description != nil || len(cleared.Labels) != 0 {
		t.Errorf("clear did not apply: %+v", cleared)
	}

	bad := "   "
	if _, err := r.UpdateIssue(issue.ID, IssuePatch{Title: &bad}); !errors.Is(err, core.ErrInvalidTitle) {
		t.Errorf("whitespace title error = %v, want InvalidTitle", err)
	}
}

func TestLabelRules(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateProject("api", "API"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.CreateLabel("api", "p0", "#112233"); err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	if _, err := r.CreateLabel("api", "p0", "#445566"); !errors.Is(err, core.ErrDuplicateLabelName) {
		t.Errorf("duplicate label error = %v, want DuplicateLabelName", err)
	}
	if _, err := r.CreateLabel("ghost", "p0", "#112233"); !errors.Is(err, core.ErrUnknownProject) {
		t.Errorf("label in unknown project error = %v, want UnknownProject", err)
	}

	project, _, err := r.GetProject("api")
	if err != nil {
		t.Fatal(err)
	}
	if !core.SetContains(project.Labels, "p0") {
		t.Errorf("project labels = %v, want p0 mirrored", project.Labels)
	}

	// Labeling needs the issue to belong to a project holding the label.
	orphan, err := r.CreateIssue(CreateIssueOptions{Title: "No project"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.LabelIssue(orphan.ID, "p0"); !errors.Is(err, core.ErrUnknownProject) {
		t.Errorf("label without project error = %v, want UnknownProject", err)
	}

	scoped, err := r.CreateIssue(CreateIssueOptions{Title: "Scoped", Project: "api"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.LabelIssue(scoped.ID, "nope"); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("unregistered label error = %v, want UnknownEntity", err)
	}
	labeled, err := r.LabelIssue(scoped.ID, "p0")
	if err != nil {
		t.Fatal(err)
	}
	if !core.SetContains(labeled.Labels, "p0") {
		t.Errorf("labels = %v", labeled.Labels)
	}

	if err := r.DeleteLabel("api", "p0"); err != nil {
		t.Fatalf("DeleteLabel: %v", err)
	}
	project, _, err = r.GetProject("api")
	if err != nil {
		t.Fatal(err)
	}
	if core.SetContains(project.Labels, "p0") {
		t.Errorf("project labels still carry p0 after delete")
	}
}

func TestDeleteIssueWritesTombstone(t *testing.T) {
	r := testRepo(t)
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Doomed"})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteIssue(issue.ID); err != nil {
		t.Fatalf("DeleteIssue: %v", err)
	}
	if _, _, err := r.GetIssue(issue.ID); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("GetIssue after delete = %v, want UnknownEntity", err)
	}
	tombstoned, err := r.Refs().IsTombstoned(IssueRef(issue.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !tombstoned {
		t.Error("no tombstone recorded")
	}
	issues, err := r.ListIssues(context.Background(), core.IssueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("ListIssues after delete = %d, want 0", len(issues))
	}

	if err := r.DeleteIssue(issue.ID); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("second delete = %v, want UnknownEntity", err)
	}
}

func TestResolveIssueID(t *testing.T) {
	r := testRepo(t)
	a, err := r.CreateIssue(CreateIssueOptions{Title: "First"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateIssue(CreateIssueOptions{Title: "Second"}); err != nil {
		t.Fatal(err)
	}

	id, err := r.ResolveIssueID(a.ID.String())
	if err != nil || id != a.ID {
		t.Fatalf("full ID resolve = %v, %v", id, err)
	}
	id, err = r.ResolveIssueID(a.ID.String()[:8])
	if err != nil || id != a.ID {
		t.Fatalf("prefix resolve = %v, %v", id, err)
	}
	if _, err := r.ResolveIssueID("ffffffff-none"); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("unknown prefix = %v, want UnknownEntity", err)
	}
	if _, err := r.ResolveIssueID(""); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("empty prefix = %v, want InvalidIdentifier", err)
	}
}

func TestListIssuesFilter(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateProject("core", "Core"); err != nil {
		t.Fatal(err)
	}

	critical, err := r.CreateIssue(CreateIssueOptions{
		Title: "Crash", Priority: core.PriorityCritical, Project: "core", Assignees: []string{"bob"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateIssue(CreateIssueOptions{Title: "Typo", Priority: core.PriorityLow}); err != nil {
		t.Fatal(err)
	}
	inProgress, err := r.CreateIssue(CreateIssueOptions{Title: "Slow query", Priority: core.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateIssueStatus(inProgress.ID, core.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter core.IssueFilter
		want   int
	}{
		{"all", core.IssueFilter{}, 3},
		{"open only", core.IssueFilter{Status: core.StatusOpen}, 2},
		{"by assignee", core.IssueFilter{Assignee: "bob"}, 1},
		{"by project", core.IssueFilter{Project: "core"}, 1},
		{"by priority", core.IssueFilter{Priority: core.PriorityCritical}, 1},
		{"no match", core.IssueFilter{Status: core.StatusClosed}, 0},
	}
	for _, tt := range tests {
		got, err := r.ListIssues(context.Background(), tt.filter)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: %d issues, want %d", tt.name, len(got), tt.want)
		}
	}

	// Priority ordering: critical first.
	all, err := r.ListIssues(context.Background(), core.IssueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if all[0].ID != critical.ID {
		t.Errorf("first listed = %s, want the critical issue", all[0].Title)
	}
}

func TestListIssuesThroughIndex(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t)
	opts.EnableIndex = true
	r, err := Init(dir, InitOptions{Options: opts})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()

	created, err := r.CreateIssue(CreateIssueOptions{Title: "Indexed", Priority: core.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if r.Index() == nil {
		t.Fatal("index not open")
	}

	issues, err := r.ListIssues(context.Background(), core.IssueFilter{Priority: core.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 || issues[0].ID != created.ID {
		t.Fatalf("indexed list = %d entries", len(issues))
	}

	if err := r.DeleteIssue(created.ID); err != nil {
		t.Fatal(err)
	}
	issues, err = r.ListIssues(context.Background(), core.IssueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("indexed list after delete = %d, want 0", len(issues))
	}

	// Reopen rebuilds the cache from the ref store.
	r.Close()
	reopened, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	count, err := reopened.Index().Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rebuilt index rows = %d, want 0", count)
	}
}

func TestProjectLifecycle(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateProject("infra", "Infrastructure"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateProject("infra", "Again"); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("duplicate project = %v, want InvalidIdentifier", err)
	}
	if _, err := r.CreateIssue(CreateIssueOptions{Title: "x", Project: "ghost"}); !errors.Is(err, core.ErrUnknownProject) {
		t.Errorf("issue in unknown project = %v, want UnknownProject", err)
	}

	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Blocker", Project: "infra"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteProject("infra"); err == nil {
		t.Error("DeleteProject succeeded with a live issue")
	}
	if err := r.DeleteIssue(issue.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteProject("infra"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	workspace, _, err := r.GetWorkspace()
	if err != nil {
		t.Fatal(err)
	}
	if core.SetContains(workspace.Projects, "infra") {
		t.Error("workspace still lists deleted project")
	}
}

func TestTeamMemberRules(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateTeam("platform", "Platform", nil); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("empty team = %v, want InvalidIdentifier", err)
	}
	if _, err := r.CreateTeam("platform", "Platform", []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}

	team, err := r.UpdateTeam("platform", TeamPatch{RemoveMembers: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(team.Members) != 1 {
		t.Errorf("members = %v", team.Members)
	}
	if _, err := r.UpdateTeam("platform", TeamPatch{RemoveMembers: []string{"alice"}}); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("removing last member = %v, want validation failure", err)
	}
}

func TestRemoteLifecycle(t *testing.T) {
	r := testRepo(t)
	if _, err := r.CreateRemote("origin", "ftp://nope", ""); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("bad scheme = %v, want InvalidIdentifier", err)
	}
	remote, err := r.CreateRemote("origin", "file:///srv/peer", core.AuthNone)
	if err != nil {
		t.Fatal(err)
	}
	if remote.LastSync != nil {
		t.Error("fresh remote has last_sync")
	}

	if err := r.UpdateRemoteLastSync("origin"); err != nil {
		t.Fatal(err)
	}
	stamped, err := r.GetRemote("origin")
	if err != nil {
		t.Fatal(err)
	}
	if stamped.LastSync == nil {
		t.Error("last_sync not stamped")
	}

	remotes, err := r.ListRemotes()
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 || remotes[0].Name != "origin" {
		t.Fatalf("remotes = %v", remotes)
	}

	if err := r.DeleteRemote("origin"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetRemote("origin"); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("GetRemote after delete = %v, want UnknownEntity", err)
	}
}

func TestConfigOnlyRemote(t *testing.T) {
	opts := testOptions(t)
	config.SetKeyPath(opts.ConfigOverrides, "remote.upstream.url", "https://tracker.example.com/odi")
	config.SetKeyPath(opts.ConfigOverrides, "remote.upstream.auth_hint", "token")
	r, err := Init(t.TempDir(), InitOptions{Options: opts})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	remote, err := r.GetRemote("upstream")
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if remote.URL != "https://tracker.example.com/odi" || remote.AuthHint != core.AuthToken {
		t.Errorf("remote = %+v", remote)
	}
	remotes, err := r.ListRemotes()
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 {
		t.Errorf("remotes = %d, want the config-declared one", len(remotes))
	}
}

func TestMutationRequiresIdentity(t *testing.T) {
	opts := Options{
		UserConfigFile: filepath.Join(t.TempDir(), "no-such-config"),
		Logger:         log.New(io.Discard, "", 0),
	}
	r, err := Init(t.TempDir(), InitOptions{Options: opts})
	if err != nil {
		t.Fatalf("Init without identity should work: %v", err)
	}
	defer r.Close()

	if _, err := r.CreateIssue(CreateIssueOptions{Title: "anon"}); !errors.Is(err, core.ErrConfig) {
		t.Errorf("CreateIssue without identity = %v, want ConfigError", err)
	}
}

func TestFsckDetectsCorruption(t *testing.T) {
	r := testRepo(t)
	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Veritas"})
	if err != nil {
		t.Fatal(err)
	}

	report, err := r.Fsck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("clean workspace flagged: %+v", report)
	}
	if report.ObjectsScanned == 0 || report.RefsScanned == 0 {
		t.Errorf("scan counters empty: %+v", report)
	}

	// Flip a byte in the issue object.
	_, hash, err := r.GetIssue(issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	path := r.Objects().Path(hash)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = r.Fsck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("corruption not detected")
	}
	if len(report.CorruptObjects) == 0 {
		t.Errorf("no corrupt objects reported: %+v", report)
	}
}

func TestMutationPublishesEvent(t *testing.T) {
	r := testRepo(t)
	ch, cancel := r.Bus().Subscribe(16)
	defer cancel()

	issue, err := r.CreateIssue(CreateIssueOptions{Title: "Observed"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Mutation == nil {
			t.Fatalf("event = %+v, want mutation", ev)
		}
		if ev.Mutation.EntityID != issue.ID.String() || ev.Mutation.Op != core.OpCreate {
			t.Errorf("mutation = %+v", ev.Mutation)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestEntityRefRoundTrip(t *testing.T) {
	tests := []struct {
		kind core.Kind
		id   string
		ref  string
	}{
		{core.KindIssue, "3f2c7c4e-9f06-4f6a-a8a2-5ba6ab9d6f10", "refs/issues/3f2c7c4e-9f06-4f6a-a8a2-5ba6ab9d6f10"},
		{core.KindProject, "web", "refs/projects/web"},
		{core.KindUser, "alice", "refs/users/alice"},
		{core.KindTeam, "platform", "refs/teams/platform"},
		{core.KindLabel, "web/bug", "refs/labels/web/bug"},
	}
	for _, tt := range tests {
		ref, err := EntityRef(tt.kind, tt.id)
		if err != nil {
			t.Fatalf("EntityRef(%s): %v", tt.kind, err)
		}
		if ref != tt.ref {
			t.Errorf("EntityRef(%s, %s) = %q, want %q", tt.kind, tt.id, ref, tt.ref)
		}
		kind, id, err := ParseEntityRef(ref)
		if err != nil {
			t.Fatalf("ParseEntityRef(%s): %v", ref, err)
		}
		if kind != tt.kind || id != tt.id {
			t.Errorf("ParseEntityRef(%s) = %s %q", ref, kind, id)
		}
	}

	if _, _, err := ParseEntityRef("refs/remotes/origin/head"); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Errorf("tracking ref parsed as entity: %v", err)
	}
}
