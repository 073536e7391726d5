package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/lock"
	"github.com/odi-tracker/odi/internal/store"
)

func init() {
	Register("file", newFileTransport)
}

// fileTransport serves the verbs directly against another workspace's
// object/ref layout on the same filesystem. Ref updates take the
// remote's own lock files so concurrent pushers and a live engine on
// the remote side still serialize correctly.
type fileTransport struct {
	root    string
	objects *store.ObjectStore
	refs    *store.RefStore
	locks   *lock.Manager
	timeout time.Duration
}

func newFileTransport(u *url.URL, opts Options) (Transport, error) {
	if u.Host != "" && u.Host != "localhost" {
		return nil, fmt.Errorf("%w: file remote %q names host %q; file remotes must be local",
			core.ErrInvalidIdentifier, u.String(), u.Host)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, fmt.Errorf("%w: file remote %q has no path", core.ErrInvalidIdentifier, u.String())
	}
	return newLocalTransport(filepath.FromSlash(path), opts.Logger, opts.timeout()), nil
}

// newLocalTransport serves the verbs against a layout on this machine.
// The http handler and the stdio server reuse it, so every scheme ends
// at the same semantics.
func newLocalTransport(path string, logger *log.Logger, timeout time.Duration) *fileTransport {
	root := ResolveLayoutRoot(path)
	return &fileTransport{
		root:    root,
		objects: store.NewObjectStore(filepath.Join(root, "objects")),
		refs:    store.NewRefStore(root),
		locks:   lock.NewManager(filepath.Join(root, "locks"), lock.Options{Logger: logger}),
		timeout: timeout,
	}
}

// ResolveLayoutRoot maps a remote path to its layout root: a workspace
// directory containing .odi resolves to that subdirectory, anything
// else (a bare layout, or a fresh target for a first push) is used
// as-is.
func ResolveLayoutRoot(path string) string {
	nested := filepath.Join(path, ".odi")
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return path
}

func (t *fileTransport) ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listPrefix := prefix
	if listPrefix == "HEAD" {
		listPrefix = "refs/" // nothing under refs/ matches; HEAD is added below
	}
	out, err := t.refs.List(listPrefix)
	if err != nil {
		return nil, err
	}

	if head, err := t.refs.Read(store.RefHEAD); err == nil {
		if prefix == "" || strings.HasPrefix(store.RefHEAD, prefix) {
			out[store.RefHEAD] = head
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Deletions ride along as tombstone names with a zero hash.
	tombstones, err := t.refs.Tombstones()
	if err != nil {
		return nil, err
	}
	for _, live := range tombstones {
		wire := store.RefPrefixTombstones + strings.TrimPrefix(live, "refs/")
		if prefix == "" || strings.HasPrefix(wire, prefix) {
			out[wire] = core.Hash{}
		}
	}
	return out, nil
}

func (t *fileTransport) HasObjects(ctx context.Context, hashes []core.Hash) ([]bool, error) {
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		present, err := t.objects.Has(h)
		if err != nil {
			return nil, err
		}
		out[i] = present
	}
	return out, nil
}

func (t *fileTransport) GetObject(ctx context.Context, hash core.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.objects.Get(hash)
}

func (t *fileTransport) PutObject(ctx context.Context, hash core.Hash, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if got := core.HashBytes(data); got != hash {
		return fmt.Errorf("%w: put of %s carried bytes hashing to %s", core.ErrIntegrity, hash.Short(), got.Short())
	}
	_, err := t.objects.Put(data)
	return err
}

func (t *fileTransport) UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(name, store.RefPrefixTombstones) {
		return fmt.Errorf("%w: ref %s: update tombstones by deleting the live ref", core.ErrInvalidIdentifier, name)
	}

	handle, err := t.locks.AcquireContext(ctx, name, t.timeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	if newHash.IsZero() {
		return t.refs.Delete(name, expected)
	}
	return t.refs.CAS(name, expected, newHash)
}

func (t *fileTransport) Close() error { return nil }
