/*
errors.go - Failure taxonomy for admission, approval and replay

PURPOSE:
  Every failure surfaced by the engine carries a stable Code, a
  human-readable Message and a Class. The Class decides how the failure is
  propagated:

  CLASS               RETRIED   SURFACED AS
  validation          never     400 - malformed or illegal input
  permission          never     403 - lifecycle forbids the transition
  not_found           never     404 - unknown event or entity
  connection          yes       503 - store/collaborator failure, queued
  state_inconsistency never     409 - malformed correction chain

USAGE:
  if errors.Is(err, fleet.ErrAlreadyProcessed) {
      // someone else approved/rejected first
  }

  out := fleet.Classify(err)
  fmt.Println(out.Code, out.Retryable())

SEE ALSO:
  - approval.go: Routes connection failures to the retry queue
  - retry.go: Replays queued actions
*/
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CLASSES
// =============================================================================

type ErrorClass string

const (
	ClassValidation         ErrorClass = "validation"
	ClassPermission         ErrorClass = "permission"
	ClassNotFound           ErrorClass = "not_found"
	ClassConnection         ErrorClass = "connection"
	ClassStateInconsistency ErrorClass = "state_inconsistency"
)

// Error is a stable, machine-readable engine error.
type Error struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by Code so wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// Retryable reports whether replaying the operation may succeed.
func (e *Error) Retryable() bool { return e.Class == ClassConnection }

// WithMessage returns a copy with the same Class and Code.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Class: e.Class, Code: e.Code, Message: msg}
}

func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap returns a copy carrying cause as the underlying error.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Class: e.Class, Code: e.Code, Message: e.Message, Err: cause}
}

// =============================================================================
// SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidEvent      = &Error{Class: ClassValidation, Code: "E_INVALID_EVENT"}
	ErrReasonRequired    = &Error{Class: ClassValidation, Code: "E_REASON_REQUIRED", Message: "rejection reason is required"}
	ErrAlreadyProcessed  = &Error{Class: ClassPermission, Code: "E_ALREADY_PROCESSED"}
	ErrEventNotFound     = &Error{Class: ClassNotFound, Code: "E_EVENT_NOT_FOUND"}
	ErrEntityNotFound    = &Error{Class: ClassNotFound, Code: "E_ENTITY_NOT_FOUND"}
	ErrConnection        = &Error{Class: ClassConnection, Code: "E_CONNECTION"}
	ErrStateInconsistent = &Error{Class: ClassStateInconsistency, Code: "E_STATE_INCONSISTENT"}
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Inconsistency describes one malformed correction found during replay.
type Inconsistency struct {
	CorrectionID EventID `json:"correction_id"`
	TargetID     EventID `json:"target_id,omitempty"`
	Problem      string  `json:"problem"`
}

func (i Inconsistency) String() string {
	if i.TargetID == "" {
		return fmt.Sprintf("correction %s: %s", i.CorrectionID, i.Problem)
	}
	return fmt.Sprintf("correction %s -> %s: %s", i.CorrectionID, i.TargetID, i.Problem)
}

func inconsistencyError(entityID EntityID, found []Inconsistency) *Error {
	parts := make([]string, len(found))
	for i, f := range found {
		parts[i] = f.String()
	}
	return ErrStateInconsistent.WithMessagef("entity %s: %s", entityID, strings.Join(parts, "; "))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Classify maps any error to an *Error. Errors that did not originate in
// the engine come from a store or collaborator and are treated as
// connection failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return ErrConnection.WithMessage("request canceled").Wrap(err)
	}
	return ErrConnection.WithMessage("collaborator failure").Wrap(err)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	e := Classify(err)
	return e != nil && e.Retryable()
}

// IsClientError returns true if the error is due to invalid client input
// or an illegal lifecycle transition.
func IsClientError(err error) bool {
	e := Classify(err)
	return e != nil && (e.Class == ClassValidation || e.Class == ClassPermission)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrEntityNotFound)
}

// Outcome is the caller-facing summary of an operation.
type Outcome struct {
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// OutcomeOf builds an Outcome from an operation's error.
func OutcomeOf(err error, okMessage string) Outcome {
	if err == nil {
		return Outcome{Success: true, Message: okMessage}
	}
	e := Classify(err)
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return Outcome{Success: false, Code: e.Code, Message: msg, Retryable: e.Retryable()}
}
