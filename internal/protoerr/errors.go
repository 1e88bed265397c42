// Package protoerr holds the error taxonomy shared by the BSS and BDC
// subsystems. Success is represented as a nil error; the four failure cases
// below are sentinel errors, wrapped with fmt.Errorf("...: %w") at call
// sites rather than inspected by value.
package protoerr

import "errors"

var (
	// ErrNoMemory is returned when a static table (e.g. the BSS item
	// table) is at capacity.
	ErrNoMemory = errors.New("no memory: table at capacity")

	// ErrNotRegistered is returned when a data_id or session id is
	// unknown to the caller's table.
	ErrNotRegistered = errors.New("not registered")

	// ErrBusy is returned when a BDC sender session is already sending.
	ErrBusy = errors.New("busy: session already in progress")

	// ErrInternal covers a failed collaborator network call or an
	// illegal state transition (e.g. resuming a non-stopped timer).
	ErrInternal = errors.New("internal error")
)
