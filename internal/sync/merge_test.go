package sync

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// mergeIssues builds an ancestor issue, hands clones to the two mutation
// hooks, and merges the results.
func mergeIssues(t *testing.T, mutateLocal, mutateRemote func(*core.Issue)) (*core.Issue, []FieldConflict) {
	t.Helper()
	ancestor, err := core.NewIssue("Base title", "alice", core.PriorityMedium)
	if err != nil {
		t.Fatalf("NewIssue: %v", err)
	}
	ancestor.Labels = []string{"x", "y"}

	local := ancestor.Clone()
	remote := ancestor.Clone()
	mutateLocal(local)
	mutateRemote(remote)

	merged, conflicts, err := Merge(ancestor, local, remote)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	issue, ok := merged.(*core.Issue)
	if !ok {
		t.Fatalf("merged entity is %T", merged)
	}
	return issue, conflicts
}

func TestMergeScalarFields(t *testing.T) {
	t.Run("local change wins", func(t *testing.T) {
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) { i.Title = "Local title" },
			func(i *core.Issue) {},
		)
		if merged.Title != "Local title" || len(conflicts) != 0 {
			t.Errorf("title = %q, conflicts = %v", merged.Title, conflicts)
		}
	})

	t.Run("remote change wins", func(t *testing.T) {
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) {},
			func(i *core.Issue) { i.Priority = core.PriorityHigh },
		)
		if merged.Priority != core.PriorityHigh || len(conflicts) != 0 {
			t.Errorf("priority = %s, conflicts = %v", merged.Priority, conflicts)
		}
	})

	t.Run("identical change is clean", func(t *testing.T) {
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) { i.Title = "Same" },
			func(i *core.Issue) { i.Title = "Same" },
		)
		if merged.Title != "Same" || len(conflicts) != 0 {
			t.Errorf("title = %q, conflicts = %v", merged.Title, conflicts)
		}
	})

	t.Run("divergent change conflicts", func(t *testing.T) {
		_, conflicts := mergeIssues(t,
			func(i *core.Issue) { i.Title = "Local title" },
			func(i *core.Issue) { i.Title = "Remote title" },
		)
		if len(conflicts) != 1 {
			t.Fatalf("conflicts = %v, want one", conflicts)
		}
		c := conflicts[0]
		if c.Name != "title" || c.Local != "Local title" || c.Remote != "Remote title" || c.Ancestor != "Base title" {
			t.Errorf("conflict = %+v", c)
		}
	})

	t.Run("disjoint fields merge clean", func(t *testing.T) {
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) { i.Title = "Local title" },
			func(i *core.Issue) { i.Priority = core.PriorityCritical },
		)
		if merged.Title != "Local title" || merged.Priority != core.PriorityCritical {
			t.Errorf("merged = %q/%s", merged.Title, merged.Priority)
		}
		if len(conflicts) != 0 {
			t.Errorf("conflicts = %v", conflicts)
		}
	})
}

// Set fields cannot conflict: additions from both sides land, and an
// ancestor element disappears only when both sides dropped it.
func TestMergeSetFields(t *testing.T) {
	cases := []struct {
		name   string
		local  []string
		remote []string
		want   []string
	}{
		{
			name:   "additions union",
			local:  []string{"x", "y", "l"},
			remote: []string{"x", "y", "r"},
			want:   []string{"l", "r", "x", "y"},
		},
		{
			name:   "one-sided removal sticks",
			local:  []string{"y"},
			remote: []string{"x", "y"},
			want:   []string{"y"},
		},
		{
			name:   "removal against addition keeps both changes",
			local:  []string{"y"},
			remote: []string{"x", "y", "z"},
			want:   []string{"x", "y", "z"},
		},
		{
			name:   "crossed removals cancel out",
			local:  []string{"y"},
			remote: []string{"x"},
			want:   []string{"x", "y"},
		},
		{
			name:   "agreed removal lands",
			local:  []string{"y"},
			remote: []string{"y", "z"},
			want:   []string{"y", "z"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			merged, conflicts := mergeIssues(t,
				func(i *core.Issue) { i.Labels = tc.local },
				func(i *core.Issue) { i.Labels = tc.remote },
			)
			if !reflect.DeepEqual(merged.Labels, tc.want) {
				t.Errorf("labels = %v, want %v", merged.Labels, tc.want)
			}
			if len(conflicts) != 0 {
				t.Errorf("set merge raised conflicts: %v", conflicts)
			}
		})
	}
}

func TestMergeClosedStatusCoupling(t *testing.T) {
	t.Run("close on one side survives an edit on the other", func(t *testing.T) {
		closed := core.Now()
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) {
				i.Status = core.StatusClosed
				i.ClosedAt = &closed
			},
			func(i *core.Issue) { i.Title = "Renamed while closing" },
		)
		if len(conflicts) != 0 {
			t.Fatalf("conflicts = %v", conflicts)
		}
		if merged.Status != core.StatusClosed || merged.ClosedAt == nil {
			t.Errorf("merged = %s closed_at=%v", merged.Status, merged.ClosedAt)
		}
		if merged.Title != "Renamed while closing" {
			t.Errorf("title = %q", merged.Title)
		}
	})

	t.Run("open status clears a stale timestamp", func(t *testing.T) {
		// The remote closes while the local moves the issue along.
		// Divergent status conflicts, so start from a closed ancestor
		// and reopen locally instead.
		ancestor, err := core.NewIssue("Base title", "alice", core.PriorityMedium)
		if err != nil {
			t.Fatalf("NewIssue: %v", err)
		}
		closed := core.Now()
		ancestor.Status = core.StatusClosed
		ancestor.ClosedAt = &closed

		local := ancestor.Clone()
		local.Status = core.StatusOpen
		local.ClosedAt = nil
		remote := ancestor.Clone()
		remote.Title = "Renamed"

		merged, conflicts, err := Merge(ancestor, local, remote)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if len(conflicts) != 0 {
			t.Fatalf("conflicts = %v", conflicts)
		}
		issue := merged.(*core.Issue)
		if issue.Status != core.StatusOpen || issue.ClosedAt != nil {
			t.Errorf("merged = %s closed_at=%v, want open with nil stamp", issue.Status, issue.ClosedAt)
		}
	})

	t.Run("both closed takes the later stamp", func(t *testing.T) {
		early := core.Now()
		late := early.Add(time.Hour)
		merged, conflicts := mergeIssues(t,
			func(i *core.Issue) {
				i.Status = core.StatusClosed
				i.ClosedAt = &early
			},
			func(i *core.Issue) {
				i.Status = core.StatusClosed
				i.ClosedAt = &late
			},
		)
		if len(conflicts) != 0 {
			t.Fatalf("conflicts = %v", conflicts)
		}
		if merged.ClosedAt == nil || !merged.ClosedAt.Equal(late) {
			t.Errorf("closed_at = %v, want %v", merged.ClosedAt, late)
		}
	})
}

func TestMergeProjectSettings(t *testing.T) {
	ancestor, err := core.NewProject("infra", "Infrastructure")
	if err != nil {
		t.Fatalf("NewProject: %v", err)
	}
	ancestor.Settings = map[string]string{"theme": "plain", "retention": "30d"}

	local := ancestor.Clone()
	local.Settings = map[string]string{"theme": "dark", "retention": "30d", "editor": "vim"}
	remote := ancestor.Clone()
	remote.Settings = map[string]string{"theme": "light"} // also deletes retention

	merged, conflicts, err := Merge(ancestor, local, remote)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Name != "settings.theme" {
		t.Fatalf("conflicts = %+v, want one settings.theme entry", conflicts)
	}
	got := merged.(*core.Project).Settings
	if got["editor"] != "vim" {
		t.Errorf("local addition lost: %v", got)
	}
	if _, ok := got["retention"]; ok {
		t.Errorf("remote deletion lost: %v", got)
	}
}

func TestMergeRejectsMismatches(t *testing.T) {
	issue, err := core.NewIssue("One", "alice", core.PriorityMedium)
	if err != nil {
		t.Fatalf("NewIssue: %v", err)
	}
	other, err := core.NewIssue("Two", "alice", core.PriorityMedium)
	if err != nil {
		t.Fatalf("NewIssue: %v", err)
	}
	project, err := core.NewProject("infra", "Infrastructure")
	if err != nil {
		t.Fatalf("NewProject: %v", err)
	}

	if _, _, err := Merge(nil, issue, issue); err == nil {
		t.Error("nil ancestor accepted")
	}
	if _, _, err := Merge(issue, issue, project); !errors.Is(err, core.ErrCorruption) {
		t.Errorf("kind mismatch = %v, want Corruption", err)
	}
	if _, _, err := Merge(issue, issue, other); !errors.Is(err, core.ErrCorruption) {
		t.Errorf("identity mismatch = %v, want Corruption", err)
	}
}
