package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// errorBody is the JSON error shape written by middleware responses.
type errorBody struct {
	Error string `json:"error"`
}

// Recoverer returns middleware that turns a handler panic into a 500
// JSON response and logs the stack trace. Mount after RequestLogger so
// the request id is available.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"request_id", chimw.GetReqID(r.Context()),
						"panic", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(errorBody{Error: "internal server error"}) //nolint:errcheck
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
