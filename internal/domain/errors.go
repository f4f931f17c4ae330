package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrJobNotFound  = errors.New("job not found")

	ErrTransfer  = errors.New("transfer error")
	ErrTransform = errors.New("transform error")

	// ErrCancelled is the cancel cause for user requested aborts.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is the cancel cause for system triggered aborts.
	ErrTimeout = errors.New("timeout")

	ErrNotQueued         = errors.New("job is not queued")
	ErrNoSlot            = errors.New("no free slot")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransferError reports a failed fetch stage.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer error: %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transfer error: %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// TransformError reports a failed transform stage. Diagnostic carries the
// tail of the external process output.
type TransformError struct {
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *TransformError) Error() string {
	var b strings.Builder
	b.WriteString("transform error: ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		fmt.Fprintf(&b, "exit code %d", e.ExitCode)
	}
	if e.Diagnostic != "" {
		b.WriteString(": ")
		b.WriteString(e.Diagnostic)
	}
	return b.String()
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool { return target == ErrTransform }

// failureReason renders a stage error for Job.Error.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout: " + err.Error()
	case errors.Is(err, ErrTransfer), errors.Is(err, ErrTransform):
		return err.Error()
	default:
		return "error: " + err.Error()
	}
}
