package transport

import (
	"errors"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/store"
)

// Status is the wire-level outcome of one verb, shared by the http and
// ssh codecs. Local sentinels map onto it at the serving side and back
// into sentinels at the calling side, so errors.Is classification works
// across a network hop.
type Status string

const (
	StatusOk           Status = "ok"
	StatusNotFound     Status = "not_found"
	StatusConflict     Status = "conflict"
	StatusHashMismatch Status = "hash_mismatch"
	StatusAuthRequired Status = "auth_required"
	StatusUnavailable  Status = "unavailable"
)

// statusOf classifies a serving-side error into a wire status.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, store.ErrNotFound), errors.Is(err, core.ErrUnknownEntity):
		return StatusNotFound
	case errors.Is(err, core.ErrConcurrentUpdate):
		return StatusConflict
	case errors.Is(err, core.ErrIntegrity):
		return StatusHashMismatch
	case errors.Is(err, core.ErrAuthRequired):
		return StatusAuthRequired
	default:
		return StatusUnavailable
	}
}

// statusErr reconstructs a sentinel-wrapped error from a wire status.
// current carries the remote's ref hash on conflicts; detail is the
// remote's message, kept for logs.
func statusErr(status Status, subject string, current core.Hash, detail string) error {
	if detail != "" {
		detail = ": " + detail
	}
	switch status {
	case StatusOk:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%w: remote %s%s", store.ErrNotFound, subject, detail)
	case StatusConflict:
		return &store.RefConflictError{Name: subject, Current: current}
	case StatusHashMismatch:
		return fmt.Errorf("%w: remote rejected %s%s", core.ErrIntegrity, subject, detail)
	case StatusAuthRequired:
		return fmt.Errorf("%w: remote %s%s", core.ErrAuthRequired, subject, detail)
	default:
		return fmt.Errorf("%w: remote %s%s", core.ErrUnavailable, subject, detail)
	}
}
