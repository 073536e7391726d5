// Package store owns the on-disk state of a workspace: content-addressed
// object files under objects/ and mutable ref files under refs/ plus
// HEAD. Objects are write-once and verified on every read; refs are the
// only mutable state and change exclusively through compare-and-swap.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odi-tracker/odi/internal/codec"
	"github.com/odi-tracker/odi/internal/core"
)

// ErrNotFound is returned when an object or ref does not exist. Callers
// translate it into their own stable kind (UnknownEntity at the
// repository surface, NotFound on the transport).
var ErrNotFound = errors.New("not found")

// ObjectStore is the content-addressed blob store. Files live under
// root/<hh>/<62-hex> where <hh> is the first two hex characters of the
// hash, bounding each directory to 256 entries at the top level.
type ObjectStore struct {
	root string
}

// NewObjectStore returns a store rooted at dir (the workspace "objects"
// directory). The directory is created lazily on first put.
func NewObjectStore(dir string) *ObjectStore {
	return &ObjectStore{root: dir}
}

// Path returns the file path an object hash maps to.
func (s *ObjectStore) Path(hash core.Hash) string {
	hex := hash.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Put stores an encoded object and returns its content hash. The hash
// covers the bytes exactly as stored (header plus compressed payload).
// Writing the same bytes twice is a no-op returning the same hash.
func (s *ObjectStore) Put(data []byte) (core.Hash, error) {
	hash := core.HashBytes(data)
	path := s.Path(hash)

	// Dedup: the object is immutable, so an existing file is already
	// byte-identical.
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return core.Hash{}, &core.IOError{Op: "stat object " + hash.Short(), Err: err}
	}

	if err := writeFileAtomic(path, data, 0o444); err != nil {
		return core.Hash{}, &core.IOError{Op: "write object " + hash.Short(), Err: err}
	}
	return hash, nil
}

// Get reads an object and verifies its content against the hash. A
// mismatch is corruption and is never repaired silently.
func (s *ObjectStore) Get(hash core.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, hash.Short())
	}
	if err != nil {
		return nil, &core.IOError{Op: "read object " + hash.Short(), Err: err}
	}
	if got := core.HashBytes(data); got != hash {
		return nil, fmt.Errorf("%w: object %s hashes to %s", core.ErrCorruption, hash.String(), got.String())
	}
	return data, nil
}

// Has reports existence with a stat, without reading content.
func (s *ObjectStore) Has(hash core.Hash) (bool, error) {
	_, err := os.Stat(s.Path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &core.IOError{Op: "stat object " + hash.Short(), Err: err}
}

// Verify re-reads an object and checks it hashes to its name, without
// returning the content. Used by fsck.
func (s *ObjectStore) Verify(hash core.Hash) error {
	_, err := s.Get(hash)
	return err
}

// Enumerate walks the fan-out directories and returns every object hash,
// sorted. With a nonzero kind it reads each object's fixed header and
// keeps only matches; there is no secondary index to consult. The
// context is checked once per fan-out directory.
func (s *ObjectStore) Enumerate(ctx context.Context, kind core.Kind) ([]core.Hash, error) {
	fanouts, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &core.IOError{Op: "read objects directory", Err: err}
	}

	var hashes []core.Hash
	for _, fanout := range fanouts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: enumerate: %v", core.ErrTimeout, err)
		}
		name := fanout.Name()
		if !fanout.IsDir() || len(name) != 2 {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.root, name))
		if err != nil {
			return nil, &core.IOError{Op: "read fanout " + name, Err: err}
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
				continue
			}
			hash, err := core.ParseHash(name + entry.Name())
			if err != nil {
				continue // foreign file, not an object
			}
			if kind != 0 {
				match, err := s.headerKindMatches(hash, kind)
				if err != nil {
					return nil, err
				}
				if !match {
					continue
				}
			}
			hashes = append(hashes, hash)
		}
	}

	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].String() < hashes[j].String()
	})
	return hashes, nil
}

// headerKindMatches reads only the fixed header of an object file.
func (s *ObjectStore) headerKindMatches(hash core.Hash, kind core.Kind) (bool, error) {
	f, err := os.Open(s.Path(hash))
	if err != nil {
		return false, &core.IOError{Op: "open object " + hash.Short(), Err: err}
	}
	defer f.Close()

	buf := make([]byte, codec.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false, fmt.Errorf("%w: object %s: header truncated", core.ErrCorruption, hash.String())
	}
	header, err := codec.DecodeHeader(buf)
	if err != nil {
		return false, fmt.Errorf("object %s: %w", hash.String(), err)
	}
	return header.Kind == kind, nil
}
