package engine

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnavailable    = errors.New("service unavailable")
	ErrStopped        = errors.New("scheduler stopped")
)

// Result is the outcome of a command that was understood. Success false is
// a logical no-op (for example cancelling the delay of a punctual train) and
// leaves state untouched.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Event names the status transition applied, if any.
	Event string `json:"-"`
}

func ok(msg string, event string) Result {
	return Result{Success: true, Message: msg, Event: event}
}

func noop(msg string) Result {
	return Result{Success: false, Message: msg}
}
