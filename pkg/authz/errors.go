package authz

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

type ErrorCode string

const ErrorCodeInvalidContext ErrorCode = "INVALID_CONTEXT"

var (
	ErrMissingSubject       = errors.New("subject id is required")
	ErrMissingAction        = errors.New("action is required")
	ErrMissingResource      = errors.New("resource type is required")
	ErrUnknownOperator      = errors.New("unknown condition operator")
	ErrInvalidAttributePath = errors.New("invalid condition attribute path")
)

// AuthorizationError reports that a decision could not be made. It never
// means the request is allowed.
type AuthorizationError struct {
	Code    ErrorCode
	Context AuthContext
	Err     error
}

func newAuthorizationError(ac AuthContext, err error) *AuthorizationError {
	return &AuthorizationError{
		Code:    ErrorCodeInvalidContext,
		Context: ac,
		Err:     goerrors.Wrap(err, 1),
	}
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("error authorizing request (%s): %s", e.Code, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// Stack returns the stack captured when the error was created.
func (e *AuthorizationError) Stack() string {
	var withStack *goerrors.Error
	if errors.As(e.Err, &withStack) {
		return string(withStack.Stack())
	}
	return ""
}
