package result

import (
	"errors"
	"fmt"
	"maps"
	"net/http"

	goerrors "github.com/go-errors/errors"
)

// Code identifies a failure class. Every code maps to exactly one default HTTP status.
type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeTokenExpired     Code = "TOKEN_EXPIRED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeRBACDenied       Code = "RBAC_DENIED"
	CodePBACDenied       Code = "PBAC_DENIED"
	CodeReBACDenied      Code = "REBAC_DENIED"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeCancelled        Code = "CANCELLED"
	CodeForkFailure      Code = "FORK_FAILURE"
	CodeTxnRollback      Code = "TXN_ROLLBACK"
	CodeGeneric          Code = "GENERIC"
)

// StatusClientClosedRequest is the non-standard status used when the caller went away.
const StatusClientClosedRequest = 499

// InternalServerErrorMsg is the message used for failures whose cause must not leak.
const InternalServerErrorMsg = "Internal Server Error"

var defaultStatus = map[Code]int{
	CodeUnauthenticated:  http.StatusUnauthorized,
	CodeInvalidToken:     http.StatusUnauthorized,
	CodeTokenExpired:     http.StatusUnauthorized,
	CodeValidation:       http.StatusBadRequest,
	CodePermissionDenied: http.StatusForbidden,
	CodeRBACDenied:       http.StatusForbidden,
	CodePBACDenied:       http.StatusForbidden,
	CodeReBACDenied:      http.StatusForbidden,
	CodeRateLimit:        http.StatusTooManyRequests,
	CodeCancelled:        StatusClientClosedRequest,
	CodeForkFailure:      http.StatusInternalServerError,
	CodeTxnRollback:      http.StatusInternalServerError,
	CodeGeneric:          http.StatusInternalServerError,
}

// StatusFor returns the default HTTP status for code. Unknown codes map to 400.
func StatusFor(code Code) int {
	if status, ok := defaultStatus[code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// Error is the structured failure carried by a failed Result. It records a
// stack trace at construction time.
type Error struct {
	Code        Code
	Message     string
	HTTPStatus  int
	Remediation string
	Cause       *Error
	Details     map[string]any

	wrapped error
	stack   *goerrors.Error
}

var _ error = (*Error)(nil)

type ErrorOption func(*Error)

// WithCode sets the code and resets the status to the code's default.
func WithCode(code Code) ErrorOption {
	return func(e *Error) {
		e.Code = code
		e.HTTPStatus = StatusFor(code)
	}
}

func WithStatus(status int) ErrorOption {
	return func(e *Error) {
		e.HTTPStatus = status
	}
}

func WithRemediation(remediation string) ErrorOption {
	return func(e *Error) {
		e.Remediation = remediation
	}
}

func WithMessage(message string) ErrorOption {
	return func(e *Error) {
		e.Message = message
	}
}

// WithCause attaches err as the cause, converting it with From when it is not
// already structured.
func WithCause(err error) ErrorOption {
	return func(e *Error) {
		if structured, ok := err.(*Error); ok && structured == nil {
			return
		}
		if err != nil {
			e.Cause = From(err)
		}
	}
}

func WithDetail(key string, value any) ErrorOption {
	return func(e *Error) {
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		e.Details[key] = value
	}
}

// New builds an Error with the default status for code.
func New(code Code, message string, opts ...ErrorOption) *Error {
	return newError(2, code, message, opts)
}

// Errorf is New with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return newError(2, code, fmt.Sprintf(format, args...), nil)
}

// newError captures the stack skip frames above itself.
func newError(skip int, code Code, message string, opts []ErrorOption) *Error {
	e := &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: StatusFor(code),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.stack = goerrors.Wrap(e.plain(), skip)
	return e
}

// From converts err into an Error. Structured errors found anywhere in the
// chain are copied so the options never mutate the original. Anything else
// becomes a GENERIC failure wrapping err.
func From(err error, opts ...ErrorOption) *Error {
	if typed, ok := err.(*Error); ok && typed == nil {
		err = nil
	}

	var structured *Error
	if errors.As(err, &structured) && structured != nil {
		if len(opts) == 0 {
			return structured
		}
		cp := *structured
		cp.Details = maps.Clone(structured.Details)
		for _, opt := range opts {
			opt(&cp)
		}
		return &cp
	}

	message := "unknown error"
	if err != nil {
		message = err.Error()
	}

	e := &Error{
		Code:       CodeGeneric,
		Message:    message,
		HTTPStatus: StatusFor(CodeGeneric),
		wrapped:    err,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err != nil {
		e.stack = goerrors.Wrap(err, 1)
	} else {
		e.stack = goerrors.Wrap(e.plain(), 1)
	}
	return e
}

func (e *Error) plain() error {
	return errors.New(string(e.Code) + ": " + e.Message)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause, or the foreign error this Error was built from.
func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.wrapped
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Stack returns the stack trace captured when the Error was built.
func (e *Error) Stack() string {
	if e.stack == nil {
		return ""
	}
	return string(e.stack.Stack())
}
