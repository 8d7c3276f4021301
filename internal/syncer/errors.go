package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWindow is returned when a window does not satisfy start < end.
	ErrInvalidWindow = errors.New("sync window start must be before end")
	// ErrSyncDisabled is returned by Run when the account has syncing turned off.
	ErrSyncDisabled = errors.New("sync is disabled for this account")
)

// Kind classifies a failed sync cycle.
type Kind string

const (
	// KindAuthentication means no usable provider handle could be obtained.
	// Nothing was mutated.
	KindAuthentication Kind = "authentication"
	// KindProvider means the remote listing failed. The pull phase was aborted.
	KindProvider Kind = "provider"
	// KindStore means a local persistence step failed.
	KindStore Kind = "store"
)

// Error is a fatal sync cycle error. The watermark is never advanced when
// Sync returns one.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a sync Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func authError(op string, err error) error {
	return &Error{Kind: KindAuthentication, Op: op, Err: err}
}

func providerError(op string, err error) error {
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

func storeError(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}
