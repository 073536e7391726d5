package codec

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/odi-tracker/odi/internal/core"
)

// Wire structs pin the canonical payload layout: every kind encodes as a
// fixed-arity CBOR array (the `toarray` tag), so field order is part of
// the format and unknown fields are impossible to smuggle in. Optional
// scalars are pointers; CBOR null marks absence, which keeps "absent"
// distinguishable from "empty". Timestamps travel as signed epoch
// milliseconds.

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): smallest
// integer forms, definite lengths, sorted map keys. Equal entity values
// always produce identical bytes, which the content addressing relies on.
var encMode cbor.EncMode

// decMode rejects the constructs deterministic encoding never emits.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type issueWire struct {
	_           struct{} `cbor:",toarray"`
	ID          string
	Title       string
	Description *string
	Status      string
	Priority    string
	Author      string
	CoAuthors   []string
	Assignees   []string
	Labels      []string
	Project     *string
	GitRefs     []string
	CreatedAt   int64
	UpdatedAt   int64
	ClosedAt    *int64
}

type projectWire struct {
	_           struct{} `cbor:",toarray"`
	ID          string
	Name        string
	Description *string
	Labels      []string
	Teams       []string
	Workspaces  []string
	Settings    map[string]string
	CreatedAt   int64
	UpdatedAt   int64
}

type workspaceWire struct {
	_         struct{} `cbor:",toarray"`
	ID        string
	Root      string
	Projects  []string
	Remotes   []string
	VCS       *vcsInfoWire
	CreatedAt int64
	UpdatedAt int64
}

type vcsInfoWire struct {
	_             struct{} `cbor:",toarray"`
	RepoRoot      string
	CurrentBranch string
	RemoteURLs    []string
}

type userWire struct {
	_         struct{} `cbor:",toarray"`
	ID        string
	Name      string
	Email     string
	Avatar    *string
	Teams     []string
	CreatedAt int64
	UpdatedAt int64
}

type teamWire struct {
	_           struct{} `cbor:",toarray"`
	ID          string
	Name        string
	Description *string
	Members     []string
	Permissions []string
	Projects    []string
	CreatedAt   int64
	UpdatedAt   int64
}

type labelWire struct {
	_           struct{} `cbor:",toarray"`
	Project     string
	Name        string
	Color       string
	Description *string
	CreatedAt   int64
	UpdatedAt   int64
}

type remoteWire struct {
	_         struct{} `cbor:",toarray"`
	Name      string
	URL       string
	Projects  []string
	AuthHint  string
	LastSync  *int64
	CreatedAt int64
	UpdatedAt int64
}

type changeRecordWire struct {
	_         struct{} `cbor:",toarray"`
	Kind      uint16
	EntityID  string
	PriorHash []byte // nil when the entity had no prior object
	NewHash   []byte // nil on delete
	Op        string
}

type changeSetWire struct {
	_         struct{} `cbor:",toarray"`
	ID        string
	Parents   [][]byte
	Author    string
	CreatedAt int64
	Records   []changeRecordWire
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := core.MillisToTime(*ms)
	return &t
}

func hashBytes(h core.Hash) []byte {
	if h.IsZero() {
		return nil
	}
	out := make([]byte, core.HashSize)
	copy(out, h[:])
	return out
}

func bytesHash(b []byte) (core.Hash, error) {
	var h core.Hash
	if len(b) == 0 {
		return h, nil
	}
	if len(b) != core.HashSize {
		return h, fmt.Errorf("hash field is %d bytes, want %d", len(b), core.HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// marshalPayload converts an entity to its canonical payload bytes.
// The entity must already be normalized and validated.
func marshalPayload(e core.Entity) ([]byte, error) {
	switch v := e.(type) {
	case *core.Issue:
		return encMode.Marshal(issueWire{
			ID:          v.ID.String(),
			Title:       v.Title,
			Description: v.Description,
			Status:      string(v.Status),
			Priority:    string(v.Priority),
			Author:      v.Author,
			CoAuthors:   v.CoAuthors,
			Assignees:   v.Assignees,
			Labels:      v.Labels,
			Project:     v.Project,
			GitRefs:     v.GitRefs,
			CreatedAt:   millis(v.CreatedAt),
			UpdatedAt:   millis(v.UpdatedAt),
			ClosedAt:    millisPtr(v.ClosedAt),
		})
	case *core.Project:
		settings := v.Settings
		if len(settings) == 0 {
			settings = nil
		}
		return encMode.Marshal(projectWire{
			ID:          v.ID,
			Name:        v.Name,
			Description: v.Description,
			Labels:      v.Labels,
			Teams:       v.Teams,
			Workspaces:  v.Workspaces,
			Settings:    settings,
			CreatedAt:   millis(v.CreatedAt),
			UpdatedAt:   millis(v.UpdatedAt),
		})
	case *core.Workspace:
		var vcs *vcsInfoWire
		if v.VCS != nil {
			vcs = &vcsInfoWire{
				RepoRoot:      v.VCS.RepoRoot,
				CurrentBranch: v.VCS.CurrentBranch,
				RemoteURLs:    v.VCS.RemoteURLs,
			}
		}
		return encMode.Marshal(workspaceWire{
			ID:        v.ID,
			Root:      v.Root,
			Projects:  v.Projects,
			Remotes:   v.Remotes,
			VCS:       vcs,
			CreatedAt: millis(v.CreatedAt),
			UpdatedAt: millis(v.UpdatedAt),
		})
	case *core.User:
		return encMode.Marshal(userWire{
			ID:        v.ID,
			Name:      v.Name,
			Email:     v.Email,
			Avatar:    v.Avatar,
			Teams:     v.Teams,
			CreatedAt: millis(v.CreatedAt),
			UpdatedAt: millis(v.UpdatedAt),
		})
	case *core.Team:
		return encMode.Marshal(teamWire{
			ID:          v.ID,
			Name:        v.Name,
			Description: v.Description,
			Members:     v.Members,
			Permissions: v.Permissions,
			Projects:    v.Projects,
			CreatedAt:   millis(v.CreatedAt),
			UpdatedAt:   millis(v.UpdatedAt),
		})
	case *core.Label:
		return encMode.Marshal(labelWire{
			Project:     v.Project,
			Name:        v.Name,
			Color:       v.Color,
			Description: v.Description,
			CreatedAt:   millis(v.CreatedAt),
			UpdatedAt:   millis(v.UpdatedAt),
		})
	case *core.Remote:
		return encMode.Marshal(remoteWire{
			Name:      v.Name,
			URL:       v.URL,
			Projects:  v.Projects,
			AuthHint:  string(v.AuthHint),
			LastSync:  millisPtr(v.LastSync),
			CreatedAt: millis(v.CreatedAt),
			UpdatedAt: millis(v.UpdatedAt),
		})
	case *core.ChangeSet:
		parents := make([][]byte, len(v.Parents))
		for i, p := range v.Parents {
			parents[i] = hashBytes(p)
		}
		records := make([]changeRecordWire, len(v.Records))
		for i, rec := range v.Records {
			records[i] = changeRecordWire{
				Kind:      uint16(rec.Kind),
				EntityID:  rec.EntityID,
				PriorHash: hashBytes(rec.PriorHash),
				NewHash:   hashBytes(rec.NewHash),
				Op:        string(rec.Op),
			}
		}
		return encMode.Marshal(changeSetWire{
			ID:        v.ID.String(),
			Parents:   parents,
			Author:    v.Author,
			CreatedAt: millis(v.CreatedAt),
			Records:   records,
		})
	default:
		return nil, fmt.Errorf("unsupported entity type %T", e)
	}
}

// unmarshalPayload decodes a canonical payload into the entity named by
// the header kind.
func unmarshalPayload(kind core.Kind, payload []byte) (core.Entity, error) {
	switch kind {
	case core.KindIssue:
		var w issueWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return nil, fmt.Errorf("issue ID: %w", err)
		}
		return &core.Issue{
			ID:          id,
			Title:       w.Title,
			Description: w.Description,
			Status:      core.Status(w.Status),
			Priority:    core.Priority(w.Priority),
			Author:      w.Author,
			CoAuthors:   w.CoAuthors,
			Assignees:   w.Assignees,
			Labels:      w.Labels,
			Project:     w.Project,
			GitRefs:     w.GitRefs,
			CreatedAt:   core.MillisToTime(w.CreatedAt),
			UpdatedAt:   core.MillisToTime(w.UpdatedAt),
			ClosedAt:    timePtr(w.ClosedAt),
		}, nil
	case core.KindProject:
		var w projectWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &core.Project{
			ID:          w.ID,
			Name:        w.Name,
			Description: w.Description,
			Labels:      w.Labels,
			Teams:       w.Teams,
			Workspaces:  w.Workspaces,
			Settings:    w.Settings,
			CreatedAt:   core.MillisToTime(w.CreatedAt),
			UpdatedAt:   core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindWorkspace:
		var w workspaceWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		var vcs *core.VCSInfo
		if w.VCS != nil {
			vcs = &core.VCSInfo{
				RepoRoot:      w.VCS.RepoRoot,
				CurrentBranch: w.VCS.CurrentBranch,
				RemoteURLs:    w.VCS.RemoteURLs,
			}
		}
		return &core.Workspace{
			ID:        w.ID,
			Root:      w.Root,
			Projects:  w.Projects,
			Remotes:   w.Remotes,
			VCS:       vcs,
			CreatedAt: core.MillisToTime(w.CreatedAt),
			UpdatedAt: core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindUser:
		var w userWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &core.User{
			ID:        w.ID,
			Name:      w.Name,
			Email:     w.Email,
			Avatar:    w.Avatar,
			Teams:     w.Teams,
			CreatedAt: core.MillisToTime(w.CreatedAt),
			UpdatedAt: core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindTeam:
		var w teamWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &core.Team{
			ID:          w.ID,
			Name:        w.Name,
			Description: w.Description,
			Members:     w.Members,
			Permissions: w.Permissions,
			Projects:    w.Projects,
			CreatedAt:   core.MillisToTime(w.CreatedAt),
			UpdatedAt:   core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindLabel:
		var w labelWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &core.Label{
			Project:     w.Project,
			Name:        w.Name,
			Color:       w.Color,
			Description: w.Description,
			CreatedAt:   core.MillisToTime(w.CreatedAt),
			UpdatedAt:   core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindRemote:
		var w remoteWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &core.Remote{
			Name:      w.Name,
			URL:       w.URL,
			Projects:  w.Projects,
			AuthHint:  core.AuthHint(w.AuthHint),
			LastSync:  timePtr(w.LastSync),
			CreatedAt: core.MillisToTime(w.CreatedAt),
			UpdatedAt: core.MillisToTime(w.UpdatedAt),
		}, nil
	case core.KindChangeSet:
		var w changeSetWire
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return nil, fmt.Errorf("changeset ID: %w", err)
		}
		parents := make([]core.Hash, 0, len(w.Parents))
		for _, p := range w.Parents {
			h, err := bytesHash(p)
			if err != nil {
				return nil, fmt.Errorf("changeset parent: %w", err)
			}
			parents = append(parents, h)
		}
		if len(parents) == 0 {
			parents = nil
		}
		records := make([]core.ChangeRecord, len(w.Records))
		for i, rec := range w.Records {
			prior, err := bytesHash(rec.PriorHash)
			if err != nil {
				return nil, fmt.Errorf("change record prior hash: %w", err)
			}
			next, err := bytesHash(rec.NewHash)
			if err != nil {
				return nil, fmt.Errorf("change record new hash: %w", err)
			}
			records[i] = core.ChangeRecord{
				Kind:      core.Kind(rec.Kind),
				EntityID:  rec.EntityID,
				PriorHash: prior,
				NewHash:   next,
				Op:        core.ChangeOp(rec.Op),
			}
		}
		return &core.ChangeSet{
			ID:        id,
			Parents:   parents,
			Author:    w.Author,
			CreatedAt: core.MillisToTime(w.CreatedAt),
			Records:   records,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported entity kind %d", kind)
	}
}
