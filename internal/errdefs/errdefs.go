// Package errdefs defines the error taxonomy shared by targets, backends,
// resource contexts and bows. Callers match with errors.Is; producers wrap
// these sentinels with fmt.Errorf("...: %w", ...).
package errdefs

import "errors"

var (
	// ErrBackendUnavailable means the declared image or binary could not be resolved.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrAlreadyBuilt is returned by Build on a target that is already built.
	ErrAlreadyBuilt = errors.New("target already built")

	// ErrLaunchFailure means the main process could not be spawned.
	ErrLaunchFailure = errors.New("launch failure")

	// ErrPathNotFound means a path does not exist in the target filesystem.
	ErrPathNotFound = errors.New("path not found")

	// ErrRestoreFailure is reported when a context could not undo its mutation.
	// It is always secondary to any error raised by the context body.
	ErrRestoreFailure = errors.New("restore failure")

	// ErrResourceBusy is returned to the second acquirer of a claimed resource.
	ErrResourceBusy = errors.New("resource busy")

	// ErrArrowConflict means two bows claimed the same execution-wrapping slot.
	ErrArrowConflict = errors.New("arrow conflict")

	// ErrScoutSynchronizationFailure means the pre-entrypoint pause could not be established.
	ErrScoutSynchronizationFailure = errors.New("scout synchronization failure")

	// ErrInvalidState means the operation is not valid in the target's current state.
	ErrInvalidState = errors.New("invalid target state")

	// ErrDestroyed is returned by operations on a destroyed target.
	ErrDestroyed = errors.New("target destroyed")
)
