package core

import (
	"fmt"
	"net/url"
	"time"
)

// AuthHint tells the credential provider what kind of secret a remote
// expects. The hint is advisory; the core never interprets credentials.
type AuthHint string

const (
	AuthNone   AuthHint = "none"
	AuthSSHKey AuthHint = "ssh_key"
	AuthToken  AuthHint = "token"
)

// Valid reports whether h is one of the defined hints.
func (h AuthHint) Valid() bool {
	switch h {
	case AuthNone, AuthSSHKey, AuthToken:
		return true
	}
	return false
}

// ParseAuthHint maps config input to an AuthHint.
func ParseAuthHint(s string) (AuthHint, error) {
	h := AuthHint(s)
	if !h.Valid() {
		return "", fmt.Errorf("%w: unknown auth hint %q (want ssh_key, token, or none)", ErrInvalidIdentifier, s)
	}
	return h, nil
}

// Remote describes a named sync peer.
type Remote struct {
	Name     string
	URL      string // scheme must be file, ssh, http, or https
	Projects []string
	AuthHint AuthHint
	// LastSync is the instant of the last successful push or pull
	// against this remote, nil before the first one.
	LastSync  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRemote constructs a remote descriptor with validated name and URL.
func NewRemote(name, rawURL string) (*Remote, error) {
	now := Now()
	r := &Remote{
		Name:      name,
		URL:       rawURL,
		AuthHint:  AuthNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// EntityKind implements Entity.
func (r *Remote) EntityKind() Kind { return KindRemote }

// EntityID implements Entity.
func (r *Remote) EntityID() string { return r.Name }

// Validate checks field constraints.
func (r *Remote) Validate() error {
	if err := ValidateRemoteName(r.Name); err != nil {
		return err
	}
	if err := ValidateRemoteURL(r.URL); err != nil {
		return err
	}
	if !r.AuthHint.Valid() {
		return fmt.Errorf("%w: unknown auth hint %q", ErrInvalidIdentifier, r.AuthHint)
	}
	for _, pid := range r.Projects {
		if err := ValidateProjectID(pid); err != nil {
			return fmt.Errorf("remote project: %w", err)
		}
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: remote timestamps are required", ErrInvalidIdentifier)
	}
	return nil
}

// Scheme returns the URL scheme, empty if the URL does not parse.
func (r *Remote) Scheme() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// Normalize brings set fields into canonical form.
func (r *Remote) Normalize() {
	r.Projects = NormalizeSet(r.Projects)
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	r.UpdatedAt = r.UpdatedAt.UTC().Truncate(time.Millisecond)
	if r.LastSync != nil {
		t := r.LastSync.UTC().Truncate(time.Millisecond)
		r.LastSync = &t
	}
}

// Clone returns a deep copy.
func (r *Remote) Clone() *Remote {
	out := *r
	out.Projects = append([]string(nil), r.Projects...)
	if r.LastSync != nil {
		t := *r.LastSync
		out.LastSync = &t
	}
	return &out
}
