package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

func init() {
	Register("http", newHTTPTransport)
	Register("https", newHTTPTransport)
}

// Wire headers for ref CAS. An absent expected header asserts the ref
// must not exist, mirroring a nil expected hash locally.
const (
	HeaderExpected = "X-Odi-Expected"
	HeaderCurrent  = "X-Odi-Current"
)

// probeConcurrency bounds parallel HEAD requests in HasObjects.
const probeConcurrency = 8

// httpTransport speaks the verb set against a served workspace:
// GET/HEAD/PUT objects/<hh>/<rest>, GET refs?prefix=, PUT/DELETE
// refs/<name>.
type httpTransport struct {
	base   url.URL
	client *http.Client
	cred   *Credential
}

func newHTTPTransport(u *url.URL, opts Options) (Transport, error) {
	cred, err := opts.credentials().Credential(u, opts.AuthHint)
	if err != nil {
		return nil, err
	}
	base := *u
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	base.Fragment = ""
	return &httpTransport{
		base:   base,
		client: &http.Client{Timeout: opts.timeout()},
		cred:   cred,
	}, nil
}

func objectPath(hash core.Hash) string {
	hex := hash.String()
	return "objects/" + hex[:2] + "/" + hex[2:]
}

func refPath(name string) string {
	return "refs/" + name
}

func (t *httpTransport) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := t.base
	u.Path = t.base.Path + "/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &core.IOError{Op: method + " " + u.Redacted(), Err: err}
	}
	if t.cred != nil {
		if t.cred.Token != "" {
			req.Header.Set("Authorization", "Bearer "+t.cred.Token)
		} else {
			req.SetBasicAuth(t.cred.User, t.cred.Password)
		}
	}
	return req, nil
}

// do sends the request, folding connection failures into the Timeout
// and Unavailable kinds so the retry layer can classify them.
func (t *httpTransport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", core.ErrTimeout, req.Method, req.URL.Redacted())
		}
		return nil, fmt.Errorf("%w: %s %s: %v", core.ErrUnavailable, req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

// respError maps a non-2xx response onto the error taxonomy. It
// consumes and closes the body.
func (t *httpTransport) respError(resp *http.Response, subject string) error {
	defer resp.Body.Close()
	detail := readDetail(resp.Body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return statusErr(StatusNotFound, subject, core.Hash{}, detail)
	case http.StatusConflict:
		var current core.Hash
		if hex := resp.Header.Get(HeaderCurrent); hex != "" {
			if parsed, err := core.ParseHash(hex); err == nil {
				current = parsed
			}
		}
		return statusErr(StatusConflict, subject, current, detail)
	case http.StatusUnprocessableEntity:
		return statusErr(StatusHashMismatch, subject, core.Hash{}, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return statusErr(StatusAuthRequired, subject, core.Hash{}, detail)
	default:
		return fmt.Errorf("%w: %s returned %s%s", core.ErrUnavailable, subject, resp.Status, ": "+detail)
	}
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

func (t *httpTransport) ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error) {
	query := url.Values{}
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	req, err := t.newRequest(ctx, http.MethodGet, "refs", query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, t.respError(resp, "ref listing")
	}
	defer resp.Body.Close()

	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: malformed ref listing: %v", core.ErrUnavailable, err)
	}
	out := make(map[string]core.Hash, len(raw))
	for name, hex := range raw {
		hash, err := core.ParseHash(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: ref listing holds malformed hash for %s", core.ErrIntegrity, name)
		}
		out[name] = hash
	}
	return out, nil
}

func (t *httpTransport) HasObjects(ctx context.Context, hashes []core.Hash) ([]bool, error) {
	out := make([]bool, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, hash := range hashes {
		g.Go(func() error {
			req, err := t.newRequest(gctx, http.MethodHead, objectPath(hash), nil, nil)
			if err != nil {
				return err
			}
			resp, err := t.do(req)
			if err != nil {
				return err
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				out[i] = true
				return nil
			case http.StatusNotFound:
				return nil
			case http.StatusUnauthorized, http.StatusForbidden:
				return statusErr(StatusAuthRequired, "object probe", core.Hash{}, "")
			default:
				return fmt.Errorf("%w: object probe returned %s", core.ErrUnavailable, resp.Status)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *httpTransport) GetObject(ctx context.Context, hash core.Hash) ([]byte, error) {
	req, err := t.newRequest(ctx, http.MethodGet, objectPath(hash), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, t.respError(resp, "object "+hash.Short())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading object %s: %v", core.ErrUnavailable, hash.Short(), err)
	}
	if got := core.HashBytes(data); got != hash {
		return nil, fmt.Errorf("%w: object %s arrived hashing to %s", core.ErrIntegrity, hash.Short(), got.Short())
	}
	return data, nil
}

func (t *httpTransport) PutObject(ctx context.Context, hash core.Hash, data []byte) error {
	if got := core.HashBytes(data); got != hash {
		return fmt.Errorf("%w: put of %s carried bytes hashing to %s", core.ErrIntegrity, hash.Short(), got.Short())
	}
	req, err := t.newRequest(ctx, http.MethodPut, objectPath(hash), nil, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return t.respError(resp, "object "+hash.Short())
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (t *httpTransport) UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error {
	if err := store.ValidateRefName(name); err != nil {
		return err
	}

	var req *http.Request
	var err error
	if newHash.IsZero() {
		req, err = t.newRequest(ctx, http.MethodDelete, refPath(name), nil, nil)
	} else {
		body := strings.NewReader(newHash.String() + "\n")
		req, err = t.newRequest(ctx, http.MethodPut, refPath(name), nil, body)
	}
	if err != nil {
		return err
	}
	if expected != nil {
		req.Header.Set(HeaderExpected, expected.String())
	}

	resp, err := t.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return t.respError(resp, name)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
