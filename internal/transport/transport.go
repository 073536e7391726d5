// Package transport abstracts a remote workspace as a keyed blob/ref
// store reachable over file, ssh, or http(s) URLs. Every scheme exposes
// the same five verbs the sync engine speaks: list refs, probe objects,
// get object, put object, update ref. Implementations register
// themselves by scheme; Dial picks one from the remote URL.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// DefaultTimeout bounds a single verb when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Transport is one open connection to a remote. A zero newHash passed
// to UpdateRef tombstones the ref so deletions propagate; ListRefs
// reports tombstoned refs under their refs/tombstones/ names with a
// zero hash. Implementations must be safe for concurrent use.
type Transport interface {
	// ListRefs returns every live ref under prefix (empty means all)
	// plus tombstone markers, mapped to hashes.
	ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error)

	// HasObjects reports, positionally, which of the given objects the
	// remote already stores.
	HasObjects(ctx context.Context, hashes []core.Hash) ([]bool, error)

	// GetObject returns an object's encoded bytes as stored. Callers
	// must verify the bytes against the requested hash on receipt.
	GetObject(ctx context.Context, hash core.Hash) ([]byte, error)

	// PutObject stores encoded bytes whose content hash must equal
	// hash; mismatches fail with ErrIntegrity and store nothing.
	PutObject(ctx context.Context, hash core.Hash, data []byte) error

	// UpdateRef compare-and-swaps a remote ref. A nil expected asserts
	// the ref must not exist; a zero newHash deletes (tombstones) it.
	// Races surface as *store.RefConflictError carrying the current
	// remote hash.
	UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error

	// Close releases the connection. Idempotent.
	Close() error
}

// Options configures a dialed transport.
type Options struct {
	// Timeout bounds each verb. Zero means DefaultTimeout.
	Timeout time.Duration

	// Credentials resolves secrets for authenticated schemes. Nil means
	// EnvCredentials.
	Credentials CredentialProvider

	// AuthHint is the remote descriptor's hint, passed through to the
	// credential provider.
	AuthHint core.AuthHint

	// Retry, when Attempts > 1, wraps the transport so Timeout and
	// Unavailable failures are retried with backoff.
	Retry RetryPolicy

	// Logger for retry and subprocess diagnostics. Defaults to stderr.
	Logger *log.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) logger() *log.Logger {
	if o.Logger == nil {
		return log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return o.Logger
}

func (o Options) credentials() CredentialProvider {
	if o.Credentials == nil {
		return EnvCredentials{}
	}
	return o.Credentials
}

// Constructor builds a transport for one parsed remote URL.
// Implementations register via Register from init().
type Constructor func(u *url.URL, opts Options) (Transport, error)

var (
	registry   = make(map[string]Constructor)
	registryMu sync.RWMutex
)

// Register installs a scheme constructor. Called from init() in the
// scheme files; duplicate registration is a programming error.
func Register(scheme string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic(fmt.Sprintf("transport: Register constructor is nil for scheme %s", scheme))
	}
	if _, exists := registry[scheme]; exists {
		panic(fmt.Sprintf("transport: Register called twice for scheme %s", scheme))
	}
	registry[scheme] = ctor
}

// Schemes returns the registered scheme names.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}

// Dial opens a transport for the remote URL, dispatching on scheme.
// When opts.Retry has more than one attempt the returned transport
// retries retriable failures transparently.
func Dial(rawURL string, opts Options) (Transport, error) {
	if err := core.ValidateRemoteURL(rawURL); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: remote URL %q: %v", core.ErrInvalidIdentifier, rawURL, err)
	}

	registryMu.RLock()
	ctor := registry[u.Scheme]
	registryMu.RUnlock()
	if ctor == nil {
		return nil, fmt.Errorf("%w: no transport registered for scheme %q", core.ErrInvalidIdentifier, u.Scheme)
	}

	t, err := ctor(u, opts)
	if err != nil {
		return nil, err
	}
	if opts.Retry.Attempts > 1 {
		t = WithRetry(t, opts.Retry, opts.logger())
	}
	return t, nil
}
