package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"korva/internal/observability"
)

// WithLogging logs method/path/status/duration for every request at
// debug level.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := wrapWriter(w)

			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start).Milliseconds()

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", recorder.statusCode,
				"duration_ms", duration,
			)
		})
	}
}

func WithObservability() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := wrapWriter(w)

			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start).Seconds()

			route := routeLabel(r.URL.Path)
			observability.RequestDuration.WithLabelValues(r.Method, route).Observe(duration)

			statusStr := strconv.Itoa(recorder.statusCode)
			observability.RequestsTotal.WithLabelValues(r.Method, route, statusStr).Inc()
		})
	}
}

// routeLabel collapses the Origin Server's dynamic path segments
// ("/item/<lease-id>", "/event/<device-uid>") down to their route shape,
// so the Prometheus vectors don't grow one series per ever-pushed file or
// ever-subscribed device.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/item/"):
		return "/item/:id"
	case strings.HasPrefix(path, "/event/"):
		return "/event/:uid"
	default:
		return path
	}
}
