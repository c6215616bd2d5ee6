// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package source

import (
	"errors"
	"fmt"
)

// TransientFetchError reports a source API failure that exhausted the retry
// budget but is expected to clear: network errors, 5xx responses, or a rate
// limit that outlasted the configured waits. The caller may resume via the
// last page token.
type TransientFetchError struct {
	Operation string
	Status    int
	Attempts  int
	Err       error
}

func (e *TransientFetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient failure (HTTP %d) after %d attempts: %v",
			e.Operation, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: transient failure after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FatalFetchError reports a permanent source API failure: revoked or
// insufficient credentials, or a missing resource. The run must abort.
type FatalFetchError struct {
	Operation string
	Status    int
	Err       error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("%s: fatal failure (HTTP %d): %v", e.Operation, e.Status, e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsFatal reports whether err is (or wraps) a FatalFetchError.
func IsFatal(err error) bool {
	var f *FatalFetchError
	return errors.As(err, &f)
}

// fatalStatus reports whether an HTTP status is permanent for our purposes.
func fatalStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 410:
		return true
	default:
		return false
	}
}
