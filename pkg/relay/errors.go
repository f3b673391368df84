package relay

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

const (
	// ServerErrorMsg is written into the pending turn when no answer can be produced.
	ServerErrorMsg = "**NETWORK ERROR DUE TO HIGH TRAFFIC. PLEASE REGENERATE OR REFRESH THIS PAGE.**"
	// TransportErrorCode annotates ServerErrorMsg when the worker connection fails.
	TransportErrorCode = 4
)

var (
	ErrInvalidStyle      = conversation.ErrInvalidStyle
	ErrWorkerUnavailable = errors.New("no worker available")
	ErrNoPendingTurn     = errors.New("conversation has no pending turn")
	ErrAbandoned         = errors.New("stream abandoned")
)

// BackendError is a terminal frame with a nonzero error code.
type BackendError struct {
	Code int
	Text string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("worker returned error_code %d: %s", e.Code, e.Text)
}

// Message is what the pending turn shows for this error.
func (e *BackendError) Message() string {
	return fmt.Sprintf("%s (error_code: %d)", e.Text, e.Code)
}

// TransportError wraps a failure to talk to the worker, including malformed frames.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "worker transport failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Cause is used by errors.Cause.
func (e *TransportError) Cause() error {
	return e.Err
}

func (e *TransportError) Message() string {
	return fmt.Sprintf("%s (error_code: %d)", ServerErrorMsg, TransportErrorCode)
}
