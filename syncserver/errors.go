package syncserver

import (
	"errors"
	"fmt"

	"github.com/syncular/syncular-sub002/wire"
)

// Error is the sealed error sum type every engine-level failure surfaces as.
// It satisfies the error interface and unwraps via errors.As/errors.Is so
// dialect- and driver-specific causes stay reachable without leaking their
// concrete type across a package boundary.
type Error struct {
	Code          wire.ErrorCode
	Message       string
	Retriable     bool
	ServerVersion *int64
	ServerRow     []byte
	Cause         error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error with the canonical retriability for its code.
func NewError(code wire.ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retriable: wire.Retriable(code), Cause: cause}
}

// AsSyncError extracts a *Error from err, or nil if err doesn't wrap one.
func AsSyncError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

var (
	// ErrEngineDestroyed is the error value for use of an engine that has
	// been destroyed. No function in this package returns it.
	ErrEngineDestroyed = errors.New("syncserver: engine destroyed")

	// ErrCycleDetected is returned at registry build time when a handler's
	// dependsOn graph contains a cycle.
	ErrCycleDetected = errors.New("syncserver: handler dependency graph has a cycle")

	// ErrUnknownTable is returned when an operation or subscription names a
	// table with no registered handler.
	ErrUnknownTable = errors.New("syncserver: unknown table")
)
