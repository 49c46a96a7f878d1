package core

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder remembers the status code written through it. Handlers that
// never call WriteHeader are reported as 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// requestLevel picks the level an admin request is logged at. Successful
// health checks arrive every few seconds and stay at debug.
func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case path == healthPath:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogRequest logs every admin request once it has been served, using the
// same user/request groups as the gRPC interceptors.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		slog.LogAttrs(r.Context(), requestLevel(r.URL.Path, rec.code()), "Admin request",
			slog.Group("user", "ip", r.RemoteAddr),
			slog.Group("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond),
				"status_code", rec.code(),
			),
		)
	})
}

// Recoverer turns a handler panic into a JSON 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			slog.Error("Internal Error in admin handler", "path", r.URL.Path, "error", rvr)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}()

		next.ServeHTTP(w, r)
	})
}
