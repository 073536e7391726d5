package codec

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/odi-tracker/odi/internal/core"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func testIssue(t *testing.T) *core.Issue {
	t.Helper()
	issue, err := core.NewIssue("Fix login flow", "alice", core.PriorityHigh)
	if err != nil {
		t.Fatalf("NewIssue() failed: %v", err)
	}
	desc := "The login page rejects valid passwords."
	project := "web-app"
	issue.Description = &desc
	issue.Project = &project
	issue.CoAuthors = []string{"bob"}
	issue.Assignees = []string{"carol", "bob"}
	issue.Labels = []string{"bug", "auth"}
	issue.GitRefs = []string{"refs/heads/fix-login"}
	return issue
}

func TestEncode_RoundTripIssue(t *testing.T) {
	c := newTestCodec(t)
	issue := testIssue(t)

	data, hash, err := c.Encode(issue)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if hash != core.HashBytes(data) {
		t.Error("returned hash does not cover the full byte sequence")
	}

	decoded, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	got, ok := decoded.(*core.Issue)
	if !ok {
		t.Fatalf("Decode() returned %T, want *core.Issue", decoded)
	}
	if !reflect.DeepEqual(got, issue) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, issue)
	}
}

func TestEncode_RoundTripAllKinds(t *testing.T) {
	c := newTestCodec(t)

	project, err := core.NewProject("web-app", "Web App")
	if err != nil {
		t.Fatalf("NewProject: %v", err)
	}
	project.Labels = []string{"bug"}
	project.Settings = map[string]string{"b": "2", "a": "1"}

	workspace, err := core.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	workspace.Projects = []string{"web-app"}
	workspace.VCS = &core.VCSInfo{RepoRoot: workspace.Root, CurrentBranch: "main"}

	user, err := core.NewUser("alice", "Alice", "alice@example.com")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}

	team, err := core.NewTeam("platform", "Platform", []string{"alice"})
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	label, err := core.NewLabel("web-app", "bug", "#FF0000")
	if err != nil {
		t.Fatalf("NewLabel: %v", err)
	}

	remote, err := core.NewRemote("origin", "https://example.com/tracker")
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	ls := core.Now()
	remote.LastSync = &ls

	changeset, err := core.NewChangeSet("alice", []core.Hash{core.HashBytes([]byte("parent"))}, []core.ChangeRecord{{
		Kind:      core.KindIssue,
		EntityID:  uuid.NewString(),
		PriorHash: core.HashBytes([]byte("old")),
		NewHash:   core.HashBytes([]byte("new")),
		Op:        core.OpModify,
	}})
	if err != nil {
		t.Fatalf("NewChangeSet: %v", err)
	}

	entities := []core.Entity{testIssue(t), project, workspace, user, team, label, remote, changeset}
	for _, e := range entities {
		data, _, err := c.Encode(e)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", e.EntityKind(), err)
		}
		decoded, err := c.Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", e.EntityKind(), err)
		}
		if !reflect.DeepEqual(decoded, e) {
			t.Errorf("%s round trip mismatch:\n got %+v\nwant %+v", e.EntityKind(), decoded, e)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	c := newTestCodec(t)
	issue := testIssue(t)

	first, firstHash, err := c.Encode(issue)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	second, secondHash, err := c.Encode(issue.Clone())
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("equal entity values produced different bytes")
	}
	if firstHash != secondHash {
		t.Error("equal entity values produced different hashes")
	}
}

// TestEncode_AbsentVsEmpty: a nil description and an empty-string
// description are different values and must produce different bytes.
func TestEncode_AbsentVsEmpty(t *testing.T) {
	c := newTestCodec(t)

	absent := testIssue(t)
	absent.Description = nil

	empty := absent.Clone()
	emptyDesc := ""
	empty.Description = &emptyDesc

	absentData, absentHash, err := c.Encode(absent)
	if err != nil {
		t.Fatalf("Encode(absent) failed: %v", err)
	}
	emptyData, emptyHash, err := c.Encode(empty)
	if err != nil {
		t.Fatalf("Encode(empty) failed: %v", err)
	}

	if bytes.Equal(absentData, emptyData) {
		t.Error("absent and empty description encode identically")
	}
	if absentHash == emptyHash {
		t.Error("absent and empty description hash identically")
	}

	back, err := c.Decode(absentData)
	if err != nil {
		t.Fatalf("Decode(absent) failed: %v", err)
	}
	if back.(*core.Issue).Description != nil {
		t.Error("absent description decoded as present")
	}
	back, err = c.Decode(emptyData)
	if err != nil {
		t.Fatalf("Decode(empty) failed: %v", err)
	}
	if d := back.(*core.Issue).Description; d == nil || *d != "" {
		t.Error("empty description did not round-trip")
	}
}

func TestEncode_RejectsInvalidEntity(t *testing.T) {
	c := newTestCodec(t)
	issue := testIssue(t)
	issue.Title = strings.Repeat("a", 101)

	if _, _, err := c.Encode(issue); !errors.Is(err, core.ErrTitleTooLong) {
		t.Errorf("Encode() = %v, want ErrTitleTooLong", err)
	}
}

func TestDecode_HeaderFaults(t *testing.T) {
	c := newTestCodec(t)
	data, _, err := c.Encode(testIssue(t))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	t.Run("truncated header", func(t *testing.T) {
		if _, err := c.Decode(data[:HeaderSize-1]); !errors.Is(err, core.ErrCorruption) {
			t.Errorf("Decode() = %v, want ErrCorruption", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		mangled := append([]byte(nil), data...)
		mangled[0] = 'X'
		if _, err := c.Decode(mangled); !errors.Is(err, core.ErrCorruption) {
			t.Errorf("Decode() = %v, want ErrCorruption", err)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		mangled := append([]byte(nil), data...)
		mangled[5], mangled[6] = 0xFF, 0xFF
		if _, err := c.Decode(mangled); !errors.Is(err, core.ErrCorruption) {
			t.Errorf("Decode() = %v, want ErrCorruption", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		mangled := append([]byte(nil), data...)
		mangled[7], mangled[8] = 0xFF, 0xFF
		if _, err := c.Decode(mangled); !errors.Is(err, core.ErrCorruption) {
			t.Errorf("Decode() = %v, want ErrCorruption", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		if _, err := c.Decode(data[:len(data)-3]); !errors.Is(err, core.ErrCorruption) {
			t.Errorf("Decode() = %v, want ErrCorruption", err)
		}
	})
}

func TestDecodeHeader_ReportsKind(t *testing.T) {
	c := newTestCodec(t)
	data, _, err := c.Encode(testIssue(t))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	header, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		t.Fatalf("DecodeHeader() failed: %v", err)
	}
	if header.Kind != core.KindIssue {
		t.Errorf("Kind = %s, want issue", header.Kind)
	}
	if header.Version != Version {
		t.Errorf("Version = %d, want %d", header.Version, Version)
	}
	if header.PayloadLen == 0 {
		t.Error("PayloadLen = 0")
	}
}

// TestEncode_PayloadLimitBoundary pins the exact boundary: a payload of
// exactly max bytes encodes, one byte over fails.
func TestEncode_PayloadLimitBoundary(t *testing.T) {
	measure := newTestCodec(t)
	issue := testIssue(t)

	data, _, err := measure.Encode(issue)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	header, err := DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader() failed: %v", err)
	}

	atLimit, err := New(Options{MaxObjectBytes: header.PayloadLen})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, _, err := atLimit.Encode(issue); err != nil {
		t.Errorf("Encode at exact limit failed: %v", err)
	}

	underLimit, err := New(Options{MaxObjectBytes: header.PayloadLen - 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, _, err := underLimit.Encode(issue); !errors.Is(err, core.ErrLimitExceeded) {
		t.Errorf("Encode over limit = %v, want ErrLimitExceeded", err)
	}

	// Decode enforces the same cap before decompressing.
	if _, err := underLimit.Decode(data); !errors.Is(err, core.ErrLimitExceeded) {
		t.Errorf("Decode over limit = %v, want ErrLimitExceeded", err)
	}
}

// TestDecode_AcceptsEveryKnownCompressor: objects written under a
// different repository compressor still decode.
func TestDecode_AcceptsEveryKnownCompressor(t *testing.T) {
	issue := testIssue(t)
	reader := newTestCodec(t) // flate default

	for _, name := range []string{"none", "flate", "zstd", "lz4"} {
		writer, err := New(Options{Compressor: name})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		data, _, err := writer.Encode(issue)
		if err != nil {
			t.Fatalf("Encode with %s failed: %v", name, err)
		}
		decoded, err := reader.Decode(data)
		if err != nil {
			t.Fatalf("Decode of %s-compressed object failed: %v", name, err)
		}
		if !reflect.DeepEqual(decoded, issue) {
			t.Errorf("%s round trip mismatch", name)
		}
	}
}

func TestNew_RejectsUnknownCompressor(t *testing.T) {
	if _, err := New(Options{Compressor: "brotli"}); !errors.Is(err, core.ErrConfig) {
		t.Errorf("New(brotli) = %v, want ErrConfig", err)
	}
}
