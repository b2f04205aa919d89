package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// callParams are the routing identifiers the voice provider carries as
// query parameters on its webhook callbacks. Logging them lets one
// request line be correlated with the queue handler's log lines for the
// same call.
var callParams = []struct {
	query string
	attr  string
}{
	{"commId", "comm_id"},
	{"teamId", "team_id"},
	{"userId", "user_id"},
}

// statusWriter captures the status code and body size written by the
// downstream handler.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// RequestLogger returns middleware that logs one line per request:
// request id (from chi's RequestID), method, path, status, response
// size, duration, and any call-routing identifiers present on the URL.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			if sw.status == 0 {
				sw.status = http.StatusOK
			}

			attrs := []any{
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			for _, p := range callParams {
				if v := r.URL.Query().Get(p.query); v != "" {
					attrs = append(attrs, p.attr, v)
				}
			}
			logger.Info("request", attrs...)
		})
	}
}
