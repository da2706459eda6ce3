package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/authpipe/authpipe/pkg/result"
)

const contentTypeJSON = "application/json"

// ErrorBody is the JSON document written for a failed request.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code        result.Code    `json:"code"`
	Message     string         `json:"message"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       *ErrorPayload  `json:"cause,omitempty"`
	Stack       string         `json:"stack,omitempty"`
}

func payloadFor(e *result.Error, exposeInternals bool) ErrorPayload {
	p := ErrorPayload{
		Code:        e.Code,
		Message:     e.Message,
		Remediation: e.Remediation,
		Details:     e.Details,
	}
	if exposeInternals {
		p.Stack = e.Stack()
		if e.Cause != nil {
			cause := payloadFor(e.Cause, false)
			p.Cause = &cause
		}
	}
	return p
}

// WriteError writes e as a JSON error response with e's HTTP status, or 400
// when it has none. Causes and stack traces are only included when
// exposeInternals is set.
func WriteError(w http.ResponseWriter, e *result.Error, exposeInternals bool) {
	if e == nil {
		e = result.New(result.CodeGeneric, result.InternalServerErrorMsg)
	}

	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}

	if e.Code == result.CodeRateLimit {
		if retryAfter, ok := e.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
	}

	responseBody, err := json.Marshal(ErrorBody{Error: payloadFor(e, exposeInternals)})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(responseBody)
}
