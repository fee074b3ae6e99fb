// Package errs defines the error values returned by the session core.
// Validation failures are values, not panics; only invariant violations
// (KindInternal) may crash a session runtime.
package errs

import "fmt"

// Kind is the coarse error category. Each caller-visible failure maps to
// exactly one kind so the outer surface can pick a retry/display strategy
// without parsing messages.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInvalidInput   Kind = "invalid_input"
	KindForbidden      Kind = "forbidden"
	KindStateMismatch  Kind = "state_mismatch"
	KindTimeout        Kind = "timeout"
	KindUnavailable    Kind = "unavailable"
	KindBadSchema      Kind = "bad_schema"
	KindInvalidVersion Kind = "invalid_version"
	KindInternal       Kind = "internal"
)

// Code is the fine-grained machine-readable reason within a kind.
type Code string

const (
	CodeSessionNotAlive    Code = "SessionNotAlive"
	CodePlayerNotFound     Code = "PlayerNotFound"
	CodeDuplicateJoinCode  Code = "DuplicateJoinCode"
	CodeDuplicateSession   Code = "DuplicateSession"
	CodeBadJoinCode        Code = "BadJoinCode"
	CodeUnknownGrid        Code = "UnknownGrid"
	CodeBadVector          Code = "BadVector"
	CodeUnknownTarget      Code = "UnknownTarget"
	CodeNotAPlayer         Code = "NotAPlayer"
	CodePCDead             Code = "PCDead"
	CodeTargetDead         Code = "TargetDead"
	CodeTargetNotInSameHex Code = "TargetNotInSameHex"
	CodeInsufficientAP     Code = "InsufficientActionPoints"
	CodeAlreadyRegistered  Code = "AlreadyRegistered"
	CodeRoundEnded         Code = "RoundEnded"
	CodeSessionConcluded   Code = "SessionConcluded"
	CodeCommandTimeout     Code = "CommandTimeout"
	CodeNodeUnavailable    Code = "NodeUnavailable"
	CodeBadSnapshot        Code = "BadSnapshot"
	CodeUnknownVersion     Code = "UnknownVersion"
	CodeInvariantViolated  Code = "InvariantViolated"
)

// Error is the domain error type. Kind and Code are stable; Detail is for
// logs and operators, not for matching.
type Error struct {
	Kind   Kind
	Code   Code
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Detail, e.Cause)
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s/%s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by code when the target carries one, otherwise by kind. This
// lets tests assert errors.Is(err, errs.New(KindForbidden, CodePCDead, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

func New(kind Kind, code Code, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, code Code, detail string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or empty for foreign errors.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the operation as-is.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable:
		return true
	}
	return false
}
