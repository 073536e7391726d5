package sync

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
)

// CloneOptions configures Clone. The embedded repository options apply
// to the workspace being created; Sync tunes the initial pull.
type CloneOptions struct {
	repo.Options

	Sync Options
}

// Clone initializes a workspace under dir, registers rawURL as remote
// "origin" with an auth hint derived from the scheme, and pulls
// everything the remote serves. On failure the partly-built workspace
// directory is removed so a retry starts clean; dir itself is left to
// the caller.
func Clone(ctx context.Context, dir, rawURL string, opts CloneOptions) (*repo.Repository, *Result, error) {
	hint, err := HintForURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	r, err := repo.Init(dir, repo.InitOptions{Options: opts.Options})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		root := r.Root()
		r.Close()
		os.RemoveAll(root)
	}

	if _, err := r.CreateRemote("origin", rawURL, hint); err != nil {
		cleanup()
		return nil, nil, err
	}
	res, err := New(r, opts.Logger).Pull(ctx, "origin", opts.Sync)
	if err != nil {
		cleanup()
		return nil, res, err
	}
	return r, res, nil
}

// HintForURL derives the auth hint a remote scheme usually wants:
// tokens over HTTP, keys over SSH, nothing for local paths.
func HintForURL(rawURL string) (core.AuthHint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: remote URL %q: %v", core.ErrInvalidIdentifier, rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return core.AuthNone, nil
	case "http", "https":
		return core.AuthToken, nil
	case "ssh":
		return core.AuthSSHKey, nil
	}
	return "", fmt.Errorf("%w: remote URL scheme %q (want file, ssh, http, or https)", core.ErrInvalidIdentifier, u.Scheme)
}
