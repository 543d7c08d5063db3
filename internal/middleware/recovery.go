package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/medrecords/gateway/internal/errors"
)

// Recovery turns a panic in next into a 500 JSON response and an error
// log entry. The panic value never reaches the client.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// Let the server abort the connection as it normally would.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				reqID := RequestIDFromContext(r.Context())
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", reqID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				if ex := ExchangeFromContext(r.Context()); ex != nil {
					ex.Outcome = "internal_error"
				}

				gwErr := errors.ErrInternalServer
				if reqID != "" {
					gwErr = gwErr.WithRequestID(reqID)
				}
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
