package models

import "errors"

// Error taxonomy for the lookup pipeline. Callers match with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrAlreadyActive     = errors.New("job already active for identifier")
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("operation not valid in current state")
	ErrAlreadySubmitted  = errors.New("solution already submitted for this challenge")
	ErrEmptySolution     = errors.New("captcha solution is empty")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRemoteRejected    = errors.New("captcha rejected by remote portal")
	ErrTimeout           = errors.New("timed out")
	ErrAutomationFailure = errors.New("automation failure")

	ErrInvariant       = errors.New("job invariant violated")
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// Error kind labels reported to clients.
const (
	KindValidation        = "ValidationError"
	KindAlreadyActive     = "AlreadyActive"
	KindNotFound          = "NotFound"
	KindNotReady          = "NotReady"
	KindAlreadySubmitted  = "AlreadySubmitted"
	KindEmptySolution     = "EmptySolution"
	KindInvalidTransition = "InvalidTransition"
	KindRemoteRejected    = "RemoteRejected"
	KindTimeout           = "Timeout"
	KindAutomationFailure = "AutomationFailure"
	KindInternal          = "Internal"
)

// ErrorKind maps an error to its client-visible kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptySolution):
		return KindEmptySolution
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAlreadyActive):
		return KindAlreadyActive
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrAlreadySubmitted):
		return KindAlreadySubmitted
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrRemoteRejected):
		return KindRemoteRejected
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrAutomationFailure):
		return KindAutomationFailure
	default:
		return KindInternal
	}
}
