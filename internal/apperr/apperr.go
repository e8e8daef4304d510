// Package apperr defines the error taxonomy shared by the attempt service and
// the client-side proctoring engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindStateConflict   Kind = "STATE_CONFLICT"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindTransientDevice Kind = "TRANSIENT_DEVICE_ERROR"
)

// Reason is a machine-readable refinement of a Kind.
type Reason string

const (
	ReasonStudentNotFound    Reason = "STUDENT_NOT_FOUND"
	ReasonExamNotFound       Reason = "EXAM_NOT_FOUND"
	ReasonAttemptNotFound    Reason = "ATTEMPT_NOT_FOUND"
	ReasonQuestionNotFound   Reason = "QUESTION_NOT_FOUND"
	ReasonNoQuestions        Reason = "NO_QUESTIONS"
	ReasonExamClosed         Reason = "EXAM_CLOSED"
	ReasonExamNotOpen        Reason = "EXAM_NOT_OPEN"
	ReasonNotEnrolled        Reason = "NOT_ENROLLED"
	ReasonInvalidCode        Reason = "INVALID_CODE"
	ReasonSessionExpired     Reason = "SESSION_EXPIRED"
	ReasonNotInProgress      Reason = "ATTEMPT_NOT_IN_PROGRESS"
	ReasonAlreadySubmitted   Reason = "ATTEMPT_ALREADY_SUBMITTED"
	ReasonConcurrentWrite    Reason = "CONCURRENT_WRITE"
	ReasonEmptyBatch         Reason = "EMPTY_BATCH"
	ReasonInvalidOption      Reason = "INVALID_OPTION"
	ReasonCameraDenied       Reason = "CAMERA_DENIED"
	ReasonFullscreenDenied   Reason = "FULLSCREEN_DENIED"
	ReasonPermissionsMissing Reason = "PERMISSIONS_MISSING"
)

// Error is a classified error. It matches the Kind sentinels through errors.Is.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is a kind sentinel or an *Error with the same
// kind and (if set) the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrStateConflict   = &Error{Kind: KindStateConflict}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrTransientDevice = &Error{Kind: KindTransientDevice}
)

// New builds a classified error.
func New(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, reason Reason, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func NotFound(reason Reason, msg string) *Error { return New(KindNotFound, reason, msg) }

func Unauthorized(reason Reason, msg string) *Error { return New(KindUnauthorized, reason, msg) }

func StateConflict(reason Reason, msg string) *Error { return New(KindStateConflict, reason, msg) }

func Validation(reason Reason, msg string) *Error { return New(KindValidation, reason, msg) }

func TransientDevice(reason Reason, err error) *Error {
	return Wrap(KindTransientDevice, reason, err)
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of err, or "" when err is not classified.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
