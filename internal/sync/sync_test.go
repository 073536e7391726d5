package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/store"
)

// testRepo initializes a workspace with a throwaway identity.
func testRepo(t *testing.T, user string) *repo.Repository {
	t.Helper()
	overrides := map[string]any{}
	config.SetKeyPath(overrides, "user.name", user)
	config.SetKeyPath(overrides, "user.email", user+"@example.com")
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

func testEngine(t *testing.T, r *repo.Repository) *Engine {
	t.Helper()
	return New(r, log.New(io.Discard, "", 0))
}

// testHub returns a bare layout directory plus a repository wired to it
// as remote "origin". Pushes create the layout on demand.
func testHub(t *testing.T, r *repo.Repository) string {
	t.Helper()
	hub := t.TempDir()
	if _, err := r.CreateRemote("origin", "file://"+filepath.ToSlash(hub), core.AuthNone); err != nil {
		t.Fatalf("CreateRemote: %v", err)
	}
	return hub
}

func connectHub(t *testing.T, r *repo.Repository, hub string) {
	t.Helper()
	if _, err := r.CreateRemote("origin", "file://"+filepath.ToSlash(hub), core.AuthNone); err != nil {
		t.Fatalf("CreateRemote: %v", err)
	}
}

func mustStatus(t *testing.T, res *Result, ref, want string) {
	t.Helper()
	o, ok := res.Outcome(ref)
	if !ok {
		t.Fatalf("no outcome recorded for %s in %+v", ref, res.Refs)
	}
	if o.Status != want {
		t.Fatalf("ref %s = %s (%s), want %s", ref, o.Status, o.Reason, want)
	}
}

func mustFsck(t *testing.T, r *repo.Repository) {
	t.Helper()
	report, err := r.Fsck(context.Background())
	if err != nil {
		t.Fatalf("Fsck: %v", err)
	}
	if !report.OK() {
		t.Fatalf("workspace not clean: corrupt=%v refs=%v chain=%v",
			report.CorruptObjects, report.BrokenRefs, report.ChainProblems)
	}
}

func TestPushToEmptyRemote(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)
	eng := testEngine(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "First issue"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	ref := repo.IssueRef(issue.ID)

	res, err := eng.Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	mustStatus(t, res, ref, RefFastForwarded)
	mustStatus(t, res, store.RefHEAD, RefFastForwarded)
	if res.ObjectsTransferred == 0 {
		t.Error("first push transferred no objects")
	}

	hubRefs := store.NewRefStore(hub)
	_, localHash, err := a.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	got, err := hubRefs.Read(ref)
	if err != nil {
		t.Fatalf("hub ref: %v", err)
	}
	if got != localHash {
		t.Errorf("hub ref = %s, want %s", got.Short(), localHash.Short())
	}
	head, err := a.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if hubHead, err := hubRefs.Read(store.RefHEAD); err != nil || hubHead != head {
		t.Errorf("hub HEAD = %v (%v), want %s", hubHead, err, head.Short())
	}

	// Pushing again moves nothing.
	res2, err := eng.Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	mustStatus(t, res2, ref, RefUnchanged)
	mustStatus(t, res2, store.RefHEAD, RefUnchanged)
	if res2.ObjectsTransferred != 0 {
		t.Errorf("second push transferred %d objects, want 0", res2.ObjectsTransferred)
	}

	stamped, err := a.GetRemote("origin")
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if stamped.LastSync == nil {
		t.Error("push did not stamp last_sync")
	}
	mustFsck(t, a)
}

func TestPullIntoFreshWorkspace(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "Shared work"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	eng := testEngine(t, b)

	res, err := eng.Pull(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefFastForwarded)
	if res.ObjectsTransferred == 0 {
		t.Error("pull transferred no objects")
	}

	got, _, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue after pull: %v", err)
	}
	if got.Title != "Shared work" {
		t.Errorf("pulled title = %q", got.Title)
	}

	// Pulling again moves nothing.
	res2, err := eng.Pull(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	mustStatus(t, res2, repo.IssueRef(issue.ID), RefUnchanged)
	if res2.ObjectsTransferred != 0 {
		t.Errorf("second pull transferred %d objects, want 0", res2.ObjectsTransferred)
	}
	mustFsck(t, b)
}

// Disjoint field edits on the two sides merge without conflicts and the
// recording changeset carries both parents.
func TestPullAutoMergesDisjointEdits(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "A"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	if _, err := testEngine(t, b).Pull(ctx, "origin", Options{}); err != nil {
		t.Fatalf("clone pull: %v", err)
	}

	// Remote side raises priority, local side retitles.
	high := core.PriorityHigh
	if _, err := a.UpdateIssue(issue.ID, repo.IssuePatch{Priority: &high}); err != nil {
		t.Fatalf("UpdateIssue(a): %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push updated: %v", err)
	}
	title := "B"
	if _, err := b.UpdateIssue(issue.ID, repo.IssuePatch{Title: &title}); err != nil {
		t.Fatalf("UpdateIssue(b): %v", err)
	}

	res, err := testEngine(t, b).Pull(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("merging pull: %v", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefMerged)

	merged, _, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if merged.Title != "B" || merged.Priority != core.PriorityHigh {
		t.Errorf("merged = title %q priority %s, want B/high", merged.Title, merged.Priority)
	}

	head, err := b.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	tip, err := b.LoadEntity(head)
	if err != nil {
		t.Fatalf("LoadEntity(HEAD): %v", err)
	}
	cs, ok := tip.(*core.ChangeSet)
	if !ok {
		t.Fatalf("HEAD is a %s", tip.EntityKind())
	}
	if !cs.IsMerge() {
		t.Errorf("merge changeset has %d parents, want 2", len(cs.Parents))
	}

	// The merged state pushes back as a plain fast-forward.
	pushRes, err := testEngine(t, b).Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("push merged: %v", err)
	}
	mustStatus(t, pushRes, repo.IssueRef(issue.ID), RefFastForwarded)
	mustFsck(t, b)
}

// Both sides changing one field parks the ref in a conflict record;
// manual resolution writes the caller's entity and the retried push
// fast-forwards.
func TestPullConflictThenManualResolve(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "A"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	if _, err := testEngine(t, b).Pull(ctx, "origin", Options{}); err != nil {
		t.Fatalf("clone pull: %v", err)
	}

	titleA := "A2"
	if _, err := a.UpdateIssue(issue.ID, repo.IssuePatch{Title: &titleA}); err != nil {
		t.Fatalf("UpdateIssue(a): %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push retitle: %v", err)
	}
	titleB := "B2"
	if _, err := b.UpdateIssue(issue.ID, repo.IssuePatch{Title: &titleB}); err != nil {
		t.Fatalf("UpdateIssue(b): %v", err)
	}
	_, before, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}

	eng := testEngine(t, b)
	res, err := eng.Pull(ctx, "origin", Options{})
	if !errors.Is(err, core.ErrConflictsPresent) {
		t.Fatalf("pull = %v, want ConflictsPresent", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefConflicted)
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(res.Conflicts))
	}

	// Local state is untouched.
	_, after, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue after conflict: %v", err)
	}
	if after != before {
		t.Errorf("conflicted pull moved the ref %s -> %s", before.Short(), after.Short())
	}

	c, err := eng.Conflict(issue.ID.String())
	if err != nil {
		t.Fatalf("Conflict: %v", err)
	}
	if c.Structural {
		t.Error("field conflict marked structural")
	}
	if len(c.Fields) != 1 || c.Fields[0].Name != "title" {
		t.Fatalf("conflicting fields = %+v, want one title entry", c.Fields)
	}
	if c.Fields[0].Local != "B2" || c.Fields[0].Remote != "A2" || c.Fields[0].Ancestor != "A" {
		t.Errorf("title values = %+v", c.Fields[0])
	}

	// Resolve with a third value.
	current, _, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	resolved := current.Clone()
	resolved.Title = "C"
	if err := eng.Resolve(ctx, issue.ID.String(), Resolution{Entity: resolved}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if remaining, err := eng.Conflicts(); err != nil || len(remaining) != 0 {
		t.Fatalf("conflicts after resolve = %v (%v)", remaining, err)
	}
	final, _, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue resolved: %v", err)
	}
	if final.Title != "C" {
		t.Errorf("resolved title = %q, want C", final.Title)
	}

	pushRes, err := testEngine(t, b).Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("push resolution: %v", err)
	}
	mustStatus(t, pushRes, repo.IssueRef(issue.ID), RefFastForwarded)

	_, resolvedHash, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	hubHash, err := store.NewRefStore(hub).Read(repo.IssueRef(issue.ID))
	if err != nil {
		t.Fatalf("hub ref: %v", err)
	}
	if hubHash != resolvedHash {
		t.Errorf("hub = %s, want resolved %s", hubHash.Short(), resolvedHash.Short())
	}
	mustFsck(t, b)
}

func TestPullPreferenceStrategies(t *testing.T) {
	ctx := context.Background()

	// seed builds a hub with title A2 while the local clone holds B2.
	seed := func(t *testing.T) (*repo.Repository, *Engine, string, *core.Issue) {
		a := testRepo(t, "alice")
		hub := testHub(t, a)
		issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "A"})
		if err != nil {
			t.Fatalf("CreateIssue: %v", err)
		}
		if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
			t.Fatalf("push: %v", err)
		}

		b := testRepo(t, "bob")
		connectHub(t, b, hub)
		if _, err := testEngine(t, b).Pull(ctx, "origin", Options{}); err != nil {
			t.Fatalf("clone pull: %v", err)
		}

		titleA := "A2"
		if _, err := a.UpdateIssue(issue.ID, repo.IssuePatch{Title: &titleA}); err != nil {
			t.Fatalf("UpdateIssue(a): %v", err)
		}
		if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
			t.Fatalf("push retitle: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		titleB := "B2"
		if _, err := b.UpdateIssue(issue.ID, repo.IssuePatch{Title: &titleB}); err != nil {
			t.Fatalf("UpdateIssue(b): %v", err)
		}
		return b, testEngine(t, b), hub, issue
	}

	t.Run("prefer_remote", func(t *testing.T) {
		b, eng, _, issue := seed(t)
		res, err := eng.Pull(ctx, "origin", Options{Strategy: config.StrategyPreferRemote})
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		mustStatus(t, res, repo.IssueRef(issue.ID), RefMerged)
		got, _, err := b.GetIssue(issue.ID)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if got.Title != "A2" {
			t.Errorf("title = %q, want remote A2", got.Title)
		}
		if pending, _ := eng.Conflicts(); len(pending) != 0 {
			t.Errorf("strategy resolution left %d conflict records", len(pending))
		}
		mustFsck(t, b)
	})

	t.Run("prefer_local", func(t *testing.T) {
		b, eng, hub, issue := seed(t)
		res, err := eng.Pull(ctx, "origin", Options{Strategy: config.StrategyPreferLocal})
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		mustStatus(t, res, repo.IssueRef(issue.ID), RefUnchanged)
		got, localHash, err := b.GetIssue(issue.ID)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if got.Title != "B2" {
			t.Errorf("title = %q, want local B2", got.Title)
		}

		// The recorded resolution turns the next push into a
		// fast-forward that carries the local version out.
		pushRes, err := eng.Push(ctx, "origin", Options{})
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		mustStatus(t, pushRes, repo.IssueRef(issue.ID), RefFastForwarded)
		hubHash, err := store.NewRefStore(hub).Read(repo.IssueRef(issue.ID))
		if err != nil {
			t.Fatalf("hub ref: %v", err)
		}
		if hubHash != localHash {
			t.Errorf("hub = %s, want local %s", hubHash.Short(), localHash.Short())
		}
		mustFsck(t, b)
	})

	t.Run("prefer_newer", func(t *testing.T) {
		b, eng, _, issue := seed(t)
		// The local edit in seed happens strictly after the remote one.
		res, err := eng.Pull(ctx, "origin", Options{Strategy: config.StrategyPreferNewer})
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		mustStatus(t, res, repo.IssueRef(issue.ID), RefUnchanged)
		got, _, err := b.GetIssue(issue.ID)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if got.Title != "B2" {
			t.Errorf("title = %q, want newer B2", got.Title)
		}
		mustFsck(t, b)
	})
}

func TestDeletionPropagates(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "Doomed"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	keep, err := a.CreateIssue(repo.CreateIssueOptions{Title: "Kept"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	if _, err := testEngine(t, b).Pull(ctx, "origin", Options{}); err != nil {
		t.Fatalf("clone pull: %v", err)
	}

	if err := a.DeleteIssue(issue.ID); err != nil {
		t.Fatalf("DeleteIssue: %v", err)
	}
	res, err := testEngine(t, a).Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("push deletion: %v", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefFastForwarded)
	if _, err := store.NewRefStore(hub).Read(repo.IssueRef(issue.ID)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("hub still serves deleted ref: %v", err)
	}

	pullRes, err := testEngine(t, b).Pull(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("pull deletion: %v", err)
	}
	mustStatus(t, pullRes, repo.IssueRef(issue.ID), RefFastForwarded)
	if _, _, err := b.GetIssue(issue.ID); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("GetIssue after deletion pull = %v, want UnknownEntity", err)
	}
	if _, _, err := b.GetIssue(keep.ID); err != nil {
		t.Errorf("unrelated issue lost: %v", err)
	}
	mustFsck(t, b)
}

// A deletion racing a modification has no mergeable ancestor state, so
// it parks as a structural conflict; prefer_remote resurrects.
func TestDeleteModifyConflict(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)

	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "Contested"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	if _, err := testEngine(t, b).Pull(ctx, "origin", Options{}); err != nil {
		t.Fatalf("clone pull: %v", err)
	}

	if err := b.DeleteIssue(issue.ID); err != nil {
		t.Fatalf("DeleteIssue(b): %v", err)
	}
	title := "Still here"
	if _, err := a.UpdateIssue(issue.ID, repo.IssuePatch{Title: &title}); err != nil {
		t.Fatalf("UpdateIssue(a): %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push update: %v", err)
	}

	eng := testEngine(t, b)
	res, err := eng.Pull(ctx, "origin", Options{})
	if !errors.Is(err, core.ErrConflictsPresent) {
		t.Fatalf("pull = %v, want ConflictsPresent", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefConflicted)

	c, err := eng.Conflict(issue.ID.String())
	if err != nil {
		t.Fatalf("Conflict: %v", err)
	}
	if !c.Structural {
		t.Error("delete/modify conflict not marked structural")
	}
	if c.LocalHash != "" {
		t.Errorf("local hash = %q, want empty for deleted side", c.LocalHash)
	}

	if err := eng.Resolve(ctx, issue.ID.String(), Resolution{Strategy: config.StrategyPreferRemote}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _, err := b.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue resurrected: %v", err)
	}
	if got.Title != "Still here" {
		t.Errorf("title = %q", got.Title)
	}
	mustFsck(t, b)
}

// Two workspaces with unrelated histories pushing to one hub: the
// second push joins the chains so the hub HEAD stays a single DAG.
func TestPushJoinsIndependentChains(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)
	issueA, err := a.CreateIssue(repo.CreateIssueOptions{Title: "From alice"})
	if err != nil {
		t.Fatalf("CreateIssue(a): %v", err)
	}
	if _, err := testEngine(t, a).Push(ctx, "origin", Options{}); err != nil {
		t.Fatalf("push a: %v", err)
	}

	b := testRepo(t, "bob")
	connectHub(t, b, hub)
	issueB, err := b.CreateIssue(repo.CreateIssueOptions{Title: "From bob"})
	if err != nil {
		t.Fatalf("CreateIssue(b): %v", err)
	}
	res, err := testEngine(t, b).Push(ctx, "origin", Options{})
	if err != nil {
		t.Fatalf("push b: %v", err)
	}
	mustStatus(t, res, repo.IssueRef(issueB.ID), RefFastForwarded)
	mustStatus(t, res, store.RefHEAD, RefFastForwarded)

	head, err := b.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	hubHead, err := store.NewRefStore(hub).Read(store.RefHEAD)
	if err != nil {
		t.Fatalf("hub HEAD: %v", err)
	}
	if hubHead != head {
		t.Errorf("hub HEAD = %s, want joined tip %s", hubHead.Short(), head.Short())
	}
	mustFsck(t, b)

	// Alice pulls and sees both issues under the joined history.
	if _, err := testEngine(t, a).Pull(ctx, "origin", Options{}); err != nil {
		t.Fatalf("pull into a: %v", err)
	}
	if _, _, err := a.GetIssue(issueB.ID); err != nil {
		t.Errorf("alice missing bob's issue: %v", err)
	}
	if _, _, err := a.GetIssue(issueA.ID); err != nil {
		t.Errorf("alice lost her issue: %v", err)
	}
	mustFsck(t, a)
}

func TestDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	a := testRepo(t, "alice")
	hub := testHub(t, a)
	issue, err := a.CreateIssue(repo.CreateIssueOptions{Title: "Preview"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}

	res, err := testEngine(t, a).Push(ctx, "origin", Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry-run push: %v", err)
	}
	mustStatus(t, res, repo.IssueRef(issue.ID), RefFastForwarded)
	if res.ObjectsTransferred != 0 {
		t.Errorf("dry run transferred %d objects", res.ObjectsTransferred)
	}
	if refs, err := store.NewRefStore(hub).List(""); err != nil || len(refs) != 0 {
		t.Errorf("dry run wrote refs: %v (%v)", refs, err)
	}
	remote, err := a.GetRemote("origin")
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if remote.LastSync != nil {
		t.Error("dry run stamped last_sync")
	}
}
