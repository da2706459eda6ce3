package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	httpmiddleware "github.com/authpipe/authpipe/pkg/middleware/http"
	"github.com/authpipe/authpipe/pkg/result"
)

// HTTPPanicRecoveryHandler recovers from a panic in next and answers with a
// GENERIC 500 error body.
func HTTPPanicRecoveryHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				l.ErrorWithContext(r.Context(), "HTTPPanicRecoveryHandler has recovered a panic",
					zap.Error(fmt.Errorf("%v", err)),
					zap.ByteString("stacktrace", debug.Stack()),
				)

				httpmiddleware.WriteError(w, result.New(result.CodeGeneric, result.InternalServerErrorMsg), false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
