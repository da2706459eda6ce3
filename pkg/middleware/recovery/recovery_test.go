package recovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/authpipe/authpipe/pkg/logger"
	httpmiddleware "github.com/authpipe/authpipe/pkg/middleware/http"
	"github.com/authpipe/authpipe/pkg/result"
)

func TestPanic(t *testing.T) {
	panicHandlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("Unexpected error!")
	})

	l, logs := logger.NewObserverLogger("error")
	handler := HTTPPanicRecoveryHandler(panicHandlerFunc, l)

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(resp, req)
	})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var body httpmiddleware.ErrorBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, result.CodeGeneric, body.Error.Code)
	require.Equal(t, result.InternalServerErrorMsg, body.Error.Message)

	entries := logs.FilterMessage("HTTPPanicRecoveryHandler has recovered a panic").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Equal(t, "Unexpected error!", entries[0].ContextMap()["error"])
}

func TestNoPanic(t *testing.T) {
	handler := HTTPPanicRecoveryHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), logger.NewNoopLogger())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, resp.Code)
}

func TestAbortHandlerIsRethrown(t *testing.T) {
	handler := HTTPPanicRecoveryHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}), logger.NewNoopLogger())

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
