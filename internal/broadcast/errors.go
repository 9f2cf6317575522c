package broadcast

import (
	"errors"
	"fmt"
)

var (
	// Busy errors: the request was valid but conflicts with current state.
	ErrAlreadyRunning   = errors.New("a broadcast run is already active")
	ErrAlreadyScheduled = errors.New("a broadcast is already scheduled")

	// Configuration errors.
	ErrInThePast    = errors.New("due time is not in the future")
	ErrNoRecipients = errors.New("recipient list is empty")
	ErrNoTransport  = errors.New("no transport configured")
	ErrEmptyMessage = errors.New("message text is empty")

	ErrNotScheduled       = errors.New("no broadcast is scheduled")
	ErrDefinitionExists   = errors.New("broadcast definition already exists")
	ErrDefinitionNotFound = errors.New("broadcast definition not found")
	ErrRunNotFound        = errors.New("run not found")
)

// ValidationError reports a bad field in an operator request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

// PersistError reports a failed durable write. In-memory state stays
// authoritative; callers log it and keep going.
type PersistError struct {
	Key string
	Err error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist %s: %v", e.Key, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// IsBusy reports whether err is a concurrency conflict rather than bad input.
func IsBusy(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrAlreadyScheduled)
}

// IsInvalid reports whether err is a configuration or validation error.
func IsInvalid(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInThePast) ||
		errors.Is(err, ErrNoRecipients) ||
		errors.Is(err, ErrNoTransport) ||
		errors.Is(err, ErrEmptyMessage)
}
