package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tigdiff/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// responseWriter remembers the status and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware listed runs innermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// RequestID tags the request with the caller's X-Request-ID, or a fresh one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}

// queryFields are the request parameters that say which container, file or
// repository a call was about.
var queryFields = []string{"container", "path", "repo", "kind"}

// Logger records one entry per request. Server errors are logged at error
// level and client errors at warn level.
func Logger(logger *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapper, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", r.URL.Path),
				zap.Int("status", wrapper.status),
				zap.Int("bytes", wrapper.bytes),
				zap.Duration("duration", time.Since(start)),
			}
			q := r.URL.Query()
			for _, name := range queryFields {
				if v := q.Get(name); v != "" {
					fields = append(fields, zap.String(name, v))
				}
			}

			l := logger.WithRequestID(r.Context())
			switch {
			case wrapper.status >= http.StatusInternalServerError:
				l.Error("api request failed", fields...)
			case wrapper.status >= http.StatusBadRequest:
				l.Warn("api request rejected", fields...)
			default:
				l.Info("api request", fields...)
			}
		})
	}
}

func Recover(logger *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithRequestID(r.Context()).Error("panic in handler",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("route", r.URL.Path),
						zap.Stack("stack"),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
