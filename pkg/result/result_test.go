package result

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOkAndErrAreExclusive(t *testing.T) {
	ok := Ok(42)
	require.True(t, ok.IsOk())
	require.False(t, ok.IsErr())
	require.Nil(t, ok.Err())
	require.Equal(t, 42, ok.Value())

	failed := Err[int](errors.New("boom"))
	require.False(t, failed.IsOk())
	require.True(t, failed.IsErr())
	require.Equal(t, 0, failed.Value())
	require.Equal(t, CodeGeneric, failed.Err().Code)
}

func TestErrWithNilStillFails(t *testing.T) {
	r := Err[string](nil)
	require.True(t, r.IsErr())
	require.Equal(t, "unknown error", r.Err().Message)

	r = Fail[string](nil)
	require.True(t, r.IsErr())
}

func TestUnwrap(t *testing.T) {
	v, err := Ok("x").Unwrap()
	require.NoError(t, err)
	require.Equal(t, "x", v)

	_, err = Err[string](New(CodeRateLimit, "slow down")).Unwrap()
	require.ErrorIs(t, err, New(CodeRateLimit, ""))

	require.Equal(t, "fallback", Err[string](nil).UnwrapOr("fallback"))
	require.Equal(t, "x", Ok("x").UnwrapOr("fallback"))
}

func TestMustUnwrapPanicsWithError(t *testing.T) {
	e := New(CodeCancelled, "gone")
	require.PanicsWithValue(t, e, func() {
		Fail[int](e).MustUnwrap()
	})
}

func TestMap(t *testing.T) {
	doubled := Map(Ok(2), func(i int) int { return i * 2 })
	require.Equal(t, 4, doubled.Value())

	e := New(CodeValidation, "bad")
	mapped := Map(Fail[int](e), func(i int) string { return fmt.Sprint(i) })
	require.Same(t, e, mapped.Err())
}

func TestNewUsesStatusTable(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeInvalidToken, http.StatusUnauthorized},
		{CodeTokenExpired, http.StatusUnauthorized},
		{CodeValidation, http.StatusBadRequest},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeRBACDenied, http.StatusForbidden},
		{CodePBACDenied, http.StatusForbidden},
		{CodeReBACDenied, http.StatusForbidden},
		{CodeRateLimit, http.StatusTooManyRequests},
		{CodeCancelled, StatusClientClosedRequest},
		{CodeForkFailure, http.StatusInternalServerError},
		{CodeTxnRollback, http.StatusInternalServerError},
		{CodeGeneric, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusBadRequest},
	}

	for _, test := range tests {
		t.Run(string(test.code), func(t *testing.T) {
			require.Equal(t, test.status, New(test.code, "m").HTTPStatus)
		})
	}
}

func TestErrorOptions(t *testing.T) {
	cause := errors.New("redis down")
	e := New(CodeGeneric, "authorization failed",
		WithStatus(http.StatusServiceUnavailable),
		WithRemediation("retry later"),
		WithCause(cause),
		WithDetail("attempt", 1),
	)

	require.Equal(t, http.StatusServiceUnavailable, e.HTTPStatus)
	require.Equal(t, "retry later", e.Remediation)
	require.Equal(t, map[string]any{"attempt": 1}, e.Details)
	require.ErrorIs(t, e, cause)
	require.Equal(t, "GENERIC: authorization failed: GENERIC: redis down", e.Error())
	require.NotEmpty(t, e.Stack())
}

func TestStackStartsAtCaller(t *testing.T) {
	for name, e := range map[string]*Error{
		"new":    New(CodeGeneric, "boom"),
		"errorf": Errorf(CodeGeneric, "boom %d", 1),
	} {
		t.Run(name, func(t *testing.T) {
			frames := e.stack.StackFrames()
			require.NotEmpty(t, frames)
			require.Equal(t, "TestStackStartsAtCaller", frames[0].Name)
		})
	}
}

func TestFrom(t *testing.T) {
	t.Run("keeps_structured_error", func(t *testing.T) {
		e := New(CodeValidation, "bad")
		require.Same(t, e, From(e))
		require.Same(t, e, From(fmt.Errorf("wrapped: %w", e)))
	})

	t.Run("options_copy_structured_error", func(t *testing.T) {
		e := New(CodeValidation, "bad", WithDetail("a", 1))
		cp := From(e, WithCode(CodeTxnRollback), WithDetail("b", 2))

		require.Equal(t, CodeValidation, e.Code)
		require.Equal(t, map[string]any{"a": 1}, e.Details)
		require.Equal(t, CodeTxnRollback, cp.Code)
		require.Equal(t, http.StatusInternalServerError, cp.HTTPStatus)
		require.Equal(t, map[string]any{"a": 1, "b": 2}, cp.Details)
	})

	t.Run("foreign_errors_become_generic", func(t *testing.T) {
		e := From(context.Canceled)
		require.Equal(t, CodeGeneric, e.Code)
		require.ErrorIs(t, e, context.Canceled)
		require.Contains(t, e.Stack(), "result")
	})

	t.Run("code_option_on_foreign_error", func(t *testing.T) {
		e := From(context.Canceled, WithCode(CodeCancelled))
		require.Equal(t, StatusClientClosedRequest, e.HTTPStatus)
	})
}

func TestIsMatchesOnCode(t *testing.T) {
	e := fmt.Errorf("outer: %w", New(CodeRBACDenied, "no"))
	require.ErrorIs(t, e, New(CodeRBACDenied, "different message"))
	require.NotErrorIs(t, e, New(CodePBACDenied, "no"))
}
