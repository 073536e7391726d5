package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odi-tracker/odi/internal/codec"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

func testLogger(t *testing.T) *log.Logger {
	return log.New(io.Discard, "", 0)
}

// encodedIssue returns a stored-form object and its hash.
func encodedIssue(t *testing.T, title string) ([]byte, core.Hash) {
	t.Helper()
	c, err := codec.New(codec.Options{})
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	issue, err := core.NewIssue(title, "alice", core.PriorityMedium)
	if err != nil {
		t.Fatalf("NewIssue() failed: %v", err)
	}
	data, hash, err := c.Encode(issue)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	return data, hash
}

// verbRoundTrip exercises the five verbs against any transport bound to
// an initially empty remote.
func verbRoundTrip(t *testing.T, tr Transport) {
	t.Helper()
	ctx := context.Background()

	refs, err := tr.ListRefs(ctx, "")
	if err != nil {
		t.Fatalf("ListRefs() on empty remote failed: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("empty remote lists %d refs, want 0", len(refs))
	}

	data, hash := encodedIssue(t, "Transported issue")

	present, err := tr.HasObjects(ctx, []core.Hash{hash})
	if err != nil {
		t.Fatalf("HasObjects() failed: %v", err)
	}
	if present[0] {
		t.Fatal("HasObjects() reported an object before upload")
	}

	if err := tr.PutObject(ctx, hash, data); err != nil {
		t.Fatalf("PutObject() failed: %v", err)
	}
	// Repeat puts are idempotent.
	if err := tr.PutObject(ctx, hash, data); err != nil {
		t.Fatalf("repeated PutObject() failed: %v", err)
	}

	present, err = tr.HasObjects(ctx, []core.Hash{hash})
	if err != nil {
		t.Fatalf("HasObjects() after upload failed: %v", err)
	}
	if !present[0] {
		t.Fatal("HasObjects() lost the uploaded object")
	}

	got, err := tr.GetObject(ctx, hash)
	if err != nil {
		t.Fatalf("GetObject() failed: %v", err)
	}
	if core.HashBytes(got) != hash {
		t.Fatal("GetObject() returned different bytes")
	}

	var missing core.Hash
	missing[0] = 0xab
	if _, err := tr.GetObject(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetObject(missing) error = %v, want NotFound", err)
	}

	// Tampered puts must not land.
	bad := append([]byte(nil), data...)
	bad[len(bad)-1] ^= 0xff
	if err := tr.PutObject(ctx, hash, bad); !errors.Is(err, core.ErrIntegrity) {
		t.Fatalf("PutObject(tampered) error = %v, want Integrity", err)
	}

	refName := "refs/issues/7d444840-9dc0-11d1-b245-5ffdce74fad2"
	if err := tr.UpdateRef(ctx, refName, nil, hash); err != nil {
		t.Fatalf("UpdateRef(create) failed: %v", err)
	}

	refs, err = tr.ListRefs(ctx, "")
	if err != nil {
		t.Fatalf("ListRefs() failed: %v", err)
	}
	if refs[refName] != hash {
		t.Fatalf("ListRefs()[%s] = %s, want %s", refName, refs[refName], hash)
	}

	// A second create must conflict and carry the current hash.
	err = tr.UpdateRef(ctx, refName, nil, hash)
	if !errors.Is(err, core.ErrConcurrentUpdate) {
		t.Fatalf("UpdateRef(second create) error = %v, want ConcurrentUpdate", err)
	}
	var conflict *store.RefConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("conflict error type = %T, want *store.RefConflictError", err)
	}
	if conflict.Current != hash {
		t.Fatalf("conflict.Current = %s, want %s", conflict.Current, hash)
	}

	// Stale expected hash also conflicts.
	stale := missing
	if err := tr.UpdateRef(ctx, refName, &stale, hash); !errors.Is(err, core.ErrConcurrentUpdate) {
		t.Fatalf("UpdateRef(stale expected) error = %v, want ConcurrentUpdate", err)
	}

	// Deletion tombstones the ref and shows up in the listing.
	if err := tr.UpdateRef(ctx, refName, &hash, core.Hash{}); err != nil {
		t.Fatalf("UpdateRef(delete) failed: %v", err)
	}
	refs, err = tr.ListRefs(ctx, "")
	if err != nil {
		t.Fatalf("ListRefs() after delete failed: %v", err)
	}
	if _, live := refs[refName]; live {
		t.Fatal("deleted ref still listed as live")
	}
	wireTombstone := store.RefPrefixTombstones + "issues/7d444840-9dc0-11d1-b245-5ffdce74fad2"
	if got, ok := refs[wireTombstone]; !ok || !got.IsZero() {
		t.Fatalf("tombstone %s missing from listing (refs: %v)", wireTombstone, refs)
	}
}

func TestFileTransportVerbs(t *testing.T) {
	dir := t.TempDir()
	tr, err := Dial("file://"+dir, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer tr.Close()
	verbRoundTrip(t, tr)
}

func TestFileTransportUsesWorkspaceLayout(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".odi", "objects"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	tr, err := Dial("file://"+dir, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer tr.Close()

	data, hash := encodedIssue(t, "Nested layout")
	if err := tr.PutObject(context.Background(), hash, data); err != nil {
		t.Fatalf("PutObject() failed: %v", err)
	}

	hex := hash.String()
	stored := filepath.Join(dir, ".odi", "objects", hex[:2], hex[2:])
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("object not stored under .odi: %v", err)
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	if _, err := Dial("ftp://example.com/x", Options{}); !errors.Is(err, core.ErrInvalidIdentifier) {
		t.Fatalf("Dial(ftp) error = %v, want InvalidIdentifier", err)
	}
}

func TestHTTPTransportVerbs(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(Handler(dir, HandlerOptions{Logger: testLogger(t)}))
	defer srv.Close()

	tr, err := Dial(srv.URL, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer tr.Close()
	verbRoundTrip(t, tr)
}

func TestHTTPTransportAuth(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(Handler(dir, HandlerOptions{Token: "sesame", Logger: testLogger(t)}))
	defer srv.Close()

	// No credential: every verb is refused.
	anon, err := Dial(srv.URL, Options{Credentials: StaticCredentials{}, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer anon.Close()
	if _, err := anon.ListRefs(context.Background(), ""); !errors.Is(err, core.ErrAuthRequired) {
		t.Fatalf("unauthenticated ListRefs() error = %v, want AuthRequired", err)
	}

	// Wrong token: still refused.
	wrong, err := Dial(srv.URL, Options{Credentials: StaticCredentials{Token: "guess"}, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer wrong.Close()
	if _, err := wrong.ListRefs(context.Background(), ""); !errors.Is(err, core.ErrAuthRequired) {
		t.Fatalf("wrong-token ListRefs() error = %v, want AuthRequired", err)
	}

	// Bearer token passes.
	authed, err := Dial(srv.URL, Options{Credentials: StaticCredentials{Token: "sesame"}, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer authed.Close()
	if _, err := authed.ListRefs(context.Background(), ""); err != nil {
		t.Fatalf("authenticated ListRefs() failed: %v", err)
	}

	// Basic credentials with the token as password pass too.
	basic, err := Dial(srv.URL, Options{Credentials: StaticCredentials{User: "ci", Password: "sesame"}, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer basic.Close()
	if _, err := basic.ListRefs(context.Background(), ""); err != nil {
		t.Fatalf("basic-auth ListRefs() failed: %v", err)
	}
}

func TestHTTPGetVerifiesBytes(t *testing.T) {
	data, hash := encodedIssue(t, "Swapped on the wire")
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Serve bytes that do not hash to what was asked for.
		w.Write(data[:len(data)-1])
	}))
	defer evil.Close()

	tr, err := Dial(evil.URL, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer tr.Close()

	if _, err := tr.GetObject(context.Background(), hash); !errors.Is(err, core.ErrIntegrity) {
		t.Fatalf("GetObject(tampered server) error = %v, want Integrity", err)
	}
}

// pipeTransport builds an sshTransport talking to ServeStdio over
// in-process pipes, standing in for the ssh subprocess.
func pipeTransport(t *testing.T, dir string) Transport {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- ServeStdio(dir, serverIn, serverOut, testLogger(t))
		serverOut.Close()
	}()

	tr := &sshTransport{
		stdin:   clientOut,
		stdout:  bufio.NewReader(clientIn),
		timeout: 10 * time.Second,
		target:  "pipe",
		logger:  testLogger(t),
	}
	t.Cleanup(func() {
		tr.Close()
		if err := <-serveDone; err != nil {
			t.Errorf("ServeStdio() failed: %v", err)
		}
	})
	return tr
}

func TestStdioFramingVerbs(t *testing.T) {
	tr := pipeTransport(t, t.TempDir())
	verbRoundTrip(t, tr)
}

func TestStdioLargePayload(t *testing.T) {
	tr := pipeTransport(t, t.TempDir())
	ctx := context.Background()

	// A payload big enough to span many pipe writes.
	c, err := codec.New(codec.Options{Compressor: "none"})
	if err != nil {
		t.Fatalf("codec.New() failed: %v", err)
	}
	issue, err := core.NewIssue("Big description", "alice", core.PriorityLow)
	if err != nil {
		t.Fatalf("NewIssue() failed: %v", err)
	}
	desc := strings.Repeat("migration notes, attempt after attempt. ", 32<<10)
	issue.Description = &desc
	data, hash, err := c.Encode(issue)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	if err := tr.PutObject(ctx, hash, data); err != nil {
		t.Fatalf("PutObject(1MiB) failed: %v", err)
	}
	got, err := tr.GetObject(ctx, hash)
	if err != nil {
		t.Fatalf("GetObject(1MiB) failed: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("payload length = %d, want %d", len(got), len(data))
	}
}

// flaky fails with Unavailable a fixed number of times, then delegates.
type flaky struct {
	Transport
	remaining atomic.Int32
}

func (f *flaky) ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: synthetic outage", core.ErrUnavailable)
	}
	return f.Transport.ListRefs(ctx, prefix)
}

func (f *flaky) UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error {
	return f.Transport.UpdateRef(ctx, name, expected, newHash)
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	dir := t.TempDir()
	inner, err := Dial("file://"+dir, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer inner.Close()

	f := &flaky{Transport: inner}
	f.remaining.Store(2)
	tr := WithRetry(f, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, testLogger(t))

	if _, err := tr.ListRefs(context.Background(), ""); err != nil {
		t.Fatalf("ListRefs() through retry failed: %v", err)
	}
}

func TestRetryGivesUpAndPassesConflictsThrough(t *testing.T) {
	dir := t.TempDir()
	inner, err := Dial("file://"+dir, Options{Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer inner.Close()

	f := &flaky{Transport: inner}
	f.remaining.Store(99)
	tr := WithRetry(f, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, testLogger(t))

	if _, err := tr.ListRefs(context.Background(), ""); !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("exhausted retries error = %v, want Unavailable", err)
	}
	if got := f.remaining.Load(); got != 99-3 {
		t.Fatalf("inner transport saw %d calls, want 3", 99-got)
	}

	// Conflicts must not burn retry attempts.
	data, hash := encodedIssue(t, "No retry on conflict")
	if err := inner.PutObject(context.Background(), hash, data); err != nil {
		t.Fatalf("PutObject() failed: %v", err)
	}
	ref := "refs/issues/3c2e0a36-9dc0-11d1-b245-5ffdce74fad2"
	if err := tr.UpdateRef(context.Background(), ref, nil, hash); err != nil {
		t.Fatalf("UpdateRef() failed: %v", err)
	}
	start := time.Now()
	if err := tr.UpdateRef(context.Background(), ref, nil, hash); !errors.Is(err, core.ErrConcurrentUpdate) {
		t.Fatalf("UpdateRef(conflict) error = %v, want ConcurrentUpdate", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("conflict took %v, suggesting it was retried", elapsed)
	}
}

func TestEnvCredentials(t *testing.T) {
	u, _ := url.Parse("https://tracker.example.com/odi")

	t.Run("token hint satisfied", func(t *testing.T) {
		t.Setenv(EnvToken, "tok123")
		cred, err := EnvCredentials{}.Credential(u, core.AuthToken)
		if err != nil {
			t.Fatalf("Credential() failed: %v", err)
		}
		if cred == nil || cred.Token != "tok123" {
			t.Fatalf("Credential() = %+v, want token tok123", cred)
		}
	})

	t.Run("token hint unsatisfied", func(t *testing.T) {
		t.Setenv(EnvToken, "")
		_, err := EnvCredentials{}.Credential(u, core.AuthToken)
		if !errors.Is(err, core.ErrCredentialUnavailable) {
			t.Fatalf("Credential() error = %v, want CredentialUnavailable", err)
		}
	})

	t.Run("no hint falls back to basic", func(t *testing.T) {
		t.Setenv(EnvToken, "")
		t.Setenv(EnvBasicAuth, "ci:secret")
		cred, err := EnvCredentials{}.Credential(u, "")
		if err != nil {
			t.Fatalf("Credential() failed: %v", err)
		}
		if cred == nil || cred.User != "ci" || cred.Password != "secret" {
			t.Fatalf("Credential() = %+v, want ci:secret", cred)
		}
	})

	t.Run("none hint yields nothing", func(t *testing.T) {
		t.Setenv(EnvToken, "tok123")
		cred, err := EnvCredentials{}.Credential(u, core.AuthNone)
		if err != nil || cred != nil {
			t.Fatalf("Credential(none) = %+v, %v; want nil, nil", cred, err)
		}
	})
}

func TestHandlerRejectsMalformedPaths(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(Handler(dir, HandlerOptions{Logger: testLogger(t)}))
	defer srv.Close()

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/objects/zz", http.StatusBadRequest},
		{http.MethodGet, "/objects/ab/nothex", http.StatusBadRequest},
		{http.MethodPut, "/refs/../etc/passwd", http.StatusBadRequest},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("NewRequest() failed: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", tc.method, tc.path, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}
