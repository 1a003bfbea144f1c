package workflow

import "fmt"

// Error is returned when a run aborts. No outcome is produced.
type Error struct {
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.RequestID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
