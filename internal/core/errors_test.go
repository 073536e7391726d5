package core

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

// TestErrorClassifiers pins every stable kind to exactly one posture.
func TestErrorClassifiers(t *testing.T) {
	type posture struct {
		validation bool
		retryable  bool
		userAction bool
		fatal      bool
	}

	cases := map[error]posture{
		ErrInvalidIdentifier:     {validation: true},
		ErrInvalidTitle:          {validation: true},
		ErrTitleTooLong:          {validation: true},
		ErrInvalidEmail:          {validation: true},
		ErrInvalidColor:          {validation: true},
		ErrIllegalTransition:     {validation: true},
		ErrUnknownEntity:         {validation: true},
		ErrUnknownProject:        {validation: true},
		ErrDuplicateLabelName:    {validation: true},
		ErrLimitExceeded:         {validation: true},
		ErrConcurrentUpdate:      {retryable: true},
		ErrLockBusy:              {retryable: true},
		ErrLockTimeout:           {retryable: true},
		ErrTimeout:               {retryable: true},
		ErrUnavailable:           {retryable: true},
		ErrConflictsPresent:      {userAction: true},
		ErrAuthRequired:          {userAction: true},
		ErrCredentialUnavailable: {userAction: true},
		ErrRemoteRefMoved:        {userAction: true},
		ErrCorruption:            {fatal: true},
		ErrIntegrity:             {fatal: true},
		ErrConfig:                {fatal: true},
		ErrIO:                    {fatal: true},
	}

	for err, want := range cases {
		wrapped := fmt.Errorf("context: %w", err)
		if got := IsValidation(wrapped); got != want.validation {
			t.Errorf("IsValidation(%v) = %v, want %v", err, got, want.validation)
		}
		if got := IsRetryable(wrapped); got != want.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", err, got, want.retryable)
		}
		if got := IsUserActionRequired(wrapped); got != want.userAction {
			t.Errorf("IsUserActionRequired(%v) = %v, want %v", err, got, want.userAction)
		}
		if got := IsFatal(wrapped); got != want.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", err, got, want.fatal)
		}
	}
}

func TestClassifiers_NilAndUnknown(t *testing.T) {
	for name, fn := range map[string]func(error) bool{
		"IsValidation":         IsValidation,
		"IsRetryable":          IsRetryable,
		"IsUserActionRequired": IsUserActionRequired,
		"IsFatal":              IsFatal,
	} {
		if fn(nil) {
			t.Errorf("%s(nil) = true", name)
		}
		if fn(errors.New("unrelated")) {
			t.Errorf("%s(unrelated) = true", name)
		}
	}
}

// TestIOError_KeepsCause verifies the underlying os error stays reachable.
func TestIOError_KeepsCause(t *testing.T) {
	err := &IOError{Op: "read ref", Err: os.ErrNotExist}
	if !errors.Is(err, ErrIO) {
		t.Error("IOError does not match ErrIO")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("IOError hides os.ErrNotExist")
	}
	if !IsFatal(err) {
		t.Error("IOError not classified fatal")
	}
}

func TestConfigError_Matches(t *testing.T) {
	err := &ConfigError{Path: "sync.conflict_strategy", Reason: "unknown strategy"}
	if !errors.Is(err, ErrConfig) {
		t.Error("ConfigError does not match ErrConfig")
	}
	if err.Error() != "config: sync.conflict_strategy: unknown strategy" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
