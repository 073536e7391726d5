package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

func init() {
	Register("ssh", newSSHTransport)
}

// The ssh scheme runs one `ssh <host> -- odi serve --stdio <path>`
// subprocess per connection and speaks length-prefixed frames over its
// stdin/stdout:
//
//	u32 BE envelope length | JSON envelope | payload bytes
//
// The envelope's size field says how many payload bytes follow. One
// request is in flight at a time; authentication is the ssh client's
// key discovery (BatchMode, so it never prompts).

// maxEnvelopeBytes caps a frame envelope. Probe batches dominate
// envelope size and the sync engine bounds them well below this.
const maxEnvelopeBytes = 4 << 20

// frameRequest is a client-to-server envelope.
type frameRequest struct {
	Op       string   `json:"op"`
	Prefix   string   `json:"prefix,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	Hash     string   `json:"hash,omitempty"`
	Expected *string  `json:"expected,omitempty"`
	Hashes   []string `json:"hashes,omitempty"`
	Size     int64    `json:"size"`
}

// frameResponse is a server-to-client envelope.
type frameResponse struct {
	Status  Status            `json:"status"`
	Error   string            `json:"error,omitempty"`
	Current string            `json:"current,omitempty"`
	Refs    map[string]string `json:"refs,omitempty"`
	Present []bool            `json:"present,omitempty"`
	Size    int64             `json:"size"`
}

func writeFrame(w io.Writer, envelope any, payload []byte) error {
	env, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding frame envelope: %w", err)
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(env)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(env); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readEnvelope reads one length-prefixed JSON envelope into out. A
// clean EOF before the length prefix comes back as io.EOF so server
// loops can tell shutdown from truncation.
func readEnvelope(r io.Reader, out any) error {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n == 0 || n > maxEnvelopeBytes {
		return fmt.Errorf("frame envelope length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading frame envelope: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decoding frame envelope: %w", err)
	}
	return nil
}

func readFramePayload(r io.Reader, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || size > maxWireObjectBytes {
		return nil, fmt.Errorf("frame payload length %d out of range", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return buf, nil
}

// sshTransport is the client half: one subprocess, one request in
// flight, guarded by mu.
type sshTransport struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	closed  bool
	timeout time.Duration
	target  string
	logger  *log.Logger
}

func newSSHTransport(u *url.URL, opts Options) (Transport, error) {
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: ssh remote %q has no host", core.ErrInvalidIdentifier, u.String())
	}
	if u.Path == "" {
		return nil, fmt.Errorf("%w: ssh remote %q has no path", core.ErrInvalidIdentifier, u.String())
	}

	target := u.Hostname()
	if user := u.User.Username(); user != "" {
		target = user + "@" + target
	}
	args := []string{"-o", "BatchMode=yes"}
	if port := u.Port(); port != "" {
		args = append(args, "-p", port)
	}
	args = append(args, target, "--", "odi", "serve", "--stdio", u.Path)

	cmd := exec.Command("ssh", args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &core.IOError{Op: "open ssh stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &core.IOError{Op: "open ssh stdout", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting ssh to %s: %v", core.ErrUnavailable, target, err)
	}

	return &sshTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		timeout: opts.timeout(),
		target:  target,
		logger:  opts.logger(),
	}, nil
}

// roundTrip sends one frame and reads one response. Any transport
// failure poisons the session; a watchdog kills the subprocess when
// the deadline passes so blocked reads unwind.
func (t *sshTransport) roundTrip(ctx context.Context, req frameRequest, payload []byte) (*frameResponse, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, fmt.Errorf("%w: ssh session to %s is closed", core.ErrUnavailable, t.target)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var killed atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killed.Store(true)
			if t.cmd != nil && t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			_ = t.stdin.Close()
		case <-watchdogDone:
		}
	}()
	defer close(watchdogDone)

	fail := func(err error) (*frameResponse, []byte, error) {
		t.closed = true
		if killed.Load() {
			return nil, nil, fmt.Errorf("%w: ssh %s %s", core.ErrTimeout, req.Op, t.target)
		}
		return nil, nil, fmt.Errorf("%w: ssh %s %s: %v", core.ErrUnavailable, req.Op, t.target, err)
	}

	if err := writeFrame(t.stdin, req, payload); err != nil {
		return fail(err)
	}
	var resp frameResponse
	if err := readEnvelope(t.stdout, &resp); err != nil {
		return fail(err)
	}
	respPayload, err := readFramePayload(t.stdout, resp.Size)
	if err != nil {
		return fail(err)
	}
	return &resp, respPayload, nil
}

// respErr converts a non-ok response into the shared error taxonomy.
func respErr(resp *frameResponse, subject string) error {
	if resp.Status == StatusOk {
		return nil
	}
	var current core.Hash
	if resp.Current != "" {
		if parsed, err := core.ParseHash(resp.Current); err == nil {
			current = parsed
		}
	}
	return statusErr(resp.Status, subject, current, resp.Error)
}

func (t *sshTransport) ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error) {
	resp, _, err := t.roundTrip(ctx, frameRequest{Op: "list_refs", Prefix: prefix}, nil)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp, "ref listing"); err != nil {
		return nil, err
	}
	out := make(map[string]core.Hash, len(resp.Refs))
	for name, hex := range resp.Refs {
		hash, err := core.ParseHash(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: ref listing holds malformed hash for %s", core.ErrIntegrity, name)
		}
		out[name] = hash
	}
	return out, nil
}

func (t *sshTransport) HasObjects(ctx context.Context, hashes []core.Hash) ([]bool, error) {
	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = h.String()
	}
	resp, _, err := t.roundTrip(ctx, frameRequest{Op: "has_objects", Hashes: hexes}, nil)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp, "object probe"); err != nil {
		return nil, err
	}
	if len(resp.Present) != len(hashes) {
		return nil, fmt.Errorf("%w: object probe answered %d of %d", core.ErrUnavailable, len(resp.Present), len(hashes))
	}
	return resp.Present, nil
}

func (t *sshTransport) GetObject(ctx context.Context, hash core.Hash) ([]byte, error) {
	resp, payload, err := t.roundTrip(ctx, frameRequest{Op: "get_object", Hash: hash.String()}, nil)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp, "object "+hash.Short()); err != nil {
		return nil, err
	}
	if got := core.HashBytes(payload); got != hash {
		return nil, fmt.Errorf("%w: object %s arrived hashing to %s", core.ErrIntegrity, hash.Short(), got.Short())
	}
	return payload, nil
}

func (t *sshTransport) PutObject(ctx context.Context, hash core.Hash, data []byte) error {
	if got := core.HashBytes(data); got != hash {
		return fmt.Errorf("%w: put of %s carried bytes hashing to %s", core.ErrIntegrity, hash.Short(), got.Short())
	}
	resp, _, err := t.roundTrip(ctx, frameRequest{Op: "put_object", Hash: hash.String(), Size: int64(len(data))}, data)
	if err != nil {
		return err
	}
	return respErr(resp, "object "+hash.Short())
}

func (t *sshTransport) UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error {
	req := frameRequest{Op: "update_ref", Ref: name, Hash: newHash.String()}
	if expected != nil {
		hex := expected.String()
		req.Expected = &hex
	}
	resp, _, err := t.roundTrip(ctx, req, nil)
	if err != nil {
		return err
	}
	return respErr(resp, name)
}

func (t *sshTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.stdin.Close()
	if t.cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-done
	}
	return nil
}

// ServeStdio answers framed requests on r/w against the layout at
// path until EOF. `odi serve --stdio` runs it as the far end of the
// ssh scheme; tests drive it over pipes.
func ServeStdio(path string, r io.Reader, w io.Writer, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(os.Stderr, "[serve] ", log.LstdFlags)
	}
	local := newLocalTransport(path, logger, DefaultTimeout)
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		var req frameRequest
		err := readEnvelope(br, &req)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stdio serve: %w", err)
		}
		payload, err := readFramePayload(br, req.Size)
		if err != nil {
			return fmt.Errorf("stdio serve: %w", err)
		}

		resp, respPayload := serveFrame(context.Background(), local, req, payload)
		if err := writeFrame(bw, resp, respPayload); err != nil {
			return fmt.Errorf("stdio serve: writing response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("stdio serve: flushing response: %w", err)
		}
	}
}

// serveFrame executes one request against the local verbs.
func serveFrame(ctx context.Context, local *fileTransport, req frameRequest, payload []byte) (frameResponse, []byte) {
	failure := func(err error) frameResponse {
		resp := frameResponse{Status: statusOf(err), Error: err.Error()}
		var conflict *store.RefConflictError
		if errors.As(err, &conflict) && !conflict.Current.IsZero() {
			resp.Current = conflict.Current.String()
		}
		return resp
	}

	switch req.Op {
	case "list_refs":
		refs, err := local.ListRefs(ctx, req.Prefix)
		if err != nil {
			return failure(err), nil
		}
		out := make(map[string]string, len(refs))
		for name, hash := range refs {
			out[name] = hash.String()
		}
		return frameResponse{Status: StatusOk, Refs: out}, nil

	case "has_objects":
		hashes := make([]core.Hash, len(req.Hashes))
		for i, hex := range req.Hashes {
			hash, err := core.ParseHash(hex)
			if err != nil {
				return failure(fmt.Errorf("%w: malformed probe hash %q", core.ErrInvalidIdentifier, hex)), nil
			}
			hashes[i] = hash
		}
		present, err := local.HasObjects(ctx, hashes)
		if err != nil {
			return failure(err), nil
		}
		return frameResponse{Status: StatusOk, Present: present}, nil

	case "get_object":
		hash, err := core.ParseHash(req.Hash)
		if err != nil {
			return failure(fmt.Errorf("%w: malformed object hash %q", core.ErrInvalidIdentifier, req.Hash)), nil
		}
		data, err := local.GetObject(ctx, hash)
		if err != nil {
			return failure(err), nil
		}
		return frameResponse{Status: StatusOk, Size: int64(len(data))}, data

	case "put_object":
		hash, err := core.ParseHash(req.Hash)
		if err != nil {
			return failure(fmt.Errorf("%w: malformed object hash %q", core.ErrInvalidIdentifier, req.Hash)), nil
		}
		if err := local.PutObject(ctx, hash, payload); err != nil {
			return failure(err), nil
		}
		return frameResponse{Status: StatusOk}, nil

	case "update_ref":
		newHash, err := core.ParseHash(req.Hash)
		if err != nil {
			return failure(fmt.Errorf("%w: malformed ref hash %q", core.ErrInvalidIdentifier, req.Hash)), nil
		}
		var expected *core.Hash
		if req.Expected != nil {
			parsed, err := core.ParseHash(*req.Expected)
			if err != nil {
				return failure(fmt.Errorf("%w: malformed expected hash %q", core.ErrInvalidIdentifier, *req.Expected)), nil
			}
			expected = &parsed
		}
		if err := local.UpdateRef(ctx, req.Ref, expected, newHash); err != nil {
			return failure(err), nil
		}
		return frameResponse{Status: StatusOk}, nil

	default:
		return failure(fmt.Errorf("%w: unknown frame op %q", core.ErrInvalidIdentifier, req.Op)), nil
	}
}
