package expect

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyStarted = errors.New("process already started")
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyWaiting = errors.New("already waiting for a trigger")
	// ErrAlreadyRegistered is returned by WaitFor for a trigger added by On.
	ErrAlreadyRegistered = errors.New("trigger already registered")

	ErrTimeout      = errors.New("timed out")
	ErrExited       = errors.New("process exited")
	ErrAbnormalExit = errors.New("process exited abnormally")

	// ErrUnhandled can be returned by an Action to decline the event. The
	// trigger is then treated as if it did not match.
	ErrUnhandled = errors.New("event not handled")
)

// maxErrorOutput limits the output quoted by UnsatisfiedError.
const maxErrorOutput = 2048

// UnsatisfiedError reports a blocking wait which got interrupted by a timeout
// or by the termination of the process, with no Unsatisfied trigger handling
// it.
type UnsatisfiedError struct {
	Reason  Reason
	Awaited string
	Status  *Status
	Output  string
}

func (e *UnsatisfiedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s while waiting for %s", e.Reason, e.Awaited)
	if e.Status != nil {
		fmt.Fprintf(&sb, ": %s", e.Status)
	}
	out := e.Output
	if len(out) > maxErrorOutput {
		out = "..." + out[len(out)-maxErrorOutput:]
	}
	fmt.Fprintf(&sb, "\noutput: %q", out)
	return sb.String()
}

func (e *UnsatisfiedError) Unwrap() error {
	switch e.Reason {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonExit:
		return ErrExited
	case ReasonAbnormalExit:
		return ErrAbnormalExit
	default:
		return nil
	}
}
