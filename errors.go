package webview

import (
	"errors"
	"fmt"
)

var (
	// ErrWindowClosed is returned when posting or dispatching to a
	// window that has already been destroyed.
	ErrWindowClosed = errors.New("webview: window closed")

	// ErrNoResult is returned when an engine operation completes
	// without error but the expected payload is absent.
	ErrNoResult = errors.New("webview: completion delivered no result")

	// ErrNoLuggage is returned by typed dispatch when the pump was
	// started without the expected luggage installed.
	ErrNoLuggage = errors.New("webview: no luggage installed on window")
)

// EngineError wraps a failure reported by the embedded engine, tagged
// with the operation that failed.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("webview: engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
