package transport

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// maxWireObjectBytes caps uploads the handler will buffer. Objects past
// the configured workspace limit are rejected earlier by the encoder,
// so this only guards against hostile clients.
const maxWireObjectBytes = 64 << 20

// HandlerOptions configures a served workspace.
type HandlerOptions struct {
	// Token, when set, requires clients to present it as a bearer token
	// (or as the password of any basic credential).
	Token string

	// LockTimeout bounds ref lock waits while applying updates. Zero
	// means DefaultTimeout.
	LockTimeout time.Duration

	// Logger for request failures. Defaults to stderr.
	Logger *log.Logger
}

// Handler serves a workspace's objects and refs over HTTP for http(s)
// remotes. Routes:
//
//	GET    refs?prefix=           ref listing as JSON, tombstones included
//	PUT    refs/<name>            CAS update, expected hash in X-Odi-Expected
//	DELETE refs/<name>            tombstoning delete, same header
//	GET    objects/<hh>/<rest>    object bytes as stored
//	HEAD   objects/<hh>/<rest>    existence probe
//	PUT    objects/<hh>/<rest>    upload, verified against the URL hash
//
// path points at a workspace directory (its .odi is used) or a bare
// layout root.
func Handler(path string, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[serve] ", log.LstdFlags)
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &handler{
		local:  newLocalTransport(path, logger, timeout),
		token:  opts.Token,
		logger: logger,
	}
}

type handler struct {
	local  *fileTransport
	token  string
	logger *log.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="odi"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "refs":
		h.handleListRefs(w, r)
	case strings.HasPrefix(path, "refs/"):
		h.handleRef(w, r, strings.TrimPrefix(path, "refs/"))
	case strings.HasPrefix(path, "objects/"):
		h.handleObject(w, r, strings.TrimPrefix(path, "objects/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return subtle.ConstantTimeCompare([]byte(bearer), []byte(h.token)) == 1
	}
	if _, pass, ok := r.BasicAuth(); ok {
		return subtle.ConstantTimeCompare([]byte(pass), []byte(h.token)) == 1
	}
	return false
}

// fail maps an internal error onto a response code via the shared
// status taxonomy.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, core.ErrInvalidIdentifier) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := statusOf(err)
	code := http.StatusInternalServerError
	switch status {
	case StatusNotFound:
		code = http.StatusNotFound
	case StatusConflict:
		code = http.StatusConflict
		var conflict *store.RefConflictError
		if errors.As(err, &conflict) && !conflict.Current.IsZero() {
			w.Header().Set(HeaderCurrent, conflict.Current.String())
		}
	case StatusHashMismatch:
		code = http.StatusUnprocessableEntity
	case StatusAuthRequired:
		code = http.StatusUnauthorized
	}
	if code == http.StatusInternalServerError {
		h.logger.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	http.Error(w, err.Error(), code)
}

func (h *handler) handleListRefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	refs, err := h.local.ListRefs(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make(map[string]string, len(refs))
	for name, hash := range refs {
		out[name] = hash.String()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Printf("writing ref listing: %v", err)
	}
}

func (h *handler) handleRef(w http.ResponseWriter, r *http.Request, name string) {
	if err := store.ValidateRefName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var expected *core.Hash
	if hex := r.Header.Get(HeaderExpected); hex != "" {
		parsed, err := core.ParseHash(hex)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed %s header", HeaderExpected), http.StatusBadRequest)
			return
		}
		expected = &parsed
	}

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 256))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		newHash, err := core.ParseHash(strings.TrimSpace(string(body)))
		if err != nil {
			http.Error(w, "body must hold the new ref hash", http.StatusBadRequest)
			return
		}
		if err := h.local.UpdateRef(r.Context(), name, expected, newHash); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := h.local.UpdateRef(r.Context(), name, expected, core.Hash{}); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) handleObject(w http.ResponseWriter, r *http.Request, rest string) {
	hh, tail, ok := strings.Cut(rest, "/")
	if !ok || len(hh) != 2 || strings.Contains(tail, "/") {
		http.Error(w, "object path must be objects/<hh>/<rest>", http.StatusBadRequest)
		return
	}
	hash, err := core.ParseHash(hh + tail)
	if err != nil {
		http.Error(w, "malformed object hash", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodHead:
		present, err := h.local.HasObjects(r.Context(), []core.Hash{hash})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !present[0] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, err := h.local.GetObject(r.Context(), hash)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxWireObjectBytes+1))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		if len(data) > maxWireObjectBytes {
			http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err := h.local.PutObject(r.Context(), hash, data); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
