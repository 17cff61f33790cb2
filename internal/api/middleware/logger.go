package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/switchboardhq/switchboard/internal/metrics"
	pkgmw "github.com/switchboardhq/switchboard/pkg/middleware"
)

// routePattern returns the matched chi pattern so metric labels stay
// bounded. Unmatched paths collapse to "unmatched".
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// status reports what was written; a handler that never calls
// WriteHeader answered 200.
func status(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// Logger records HTTP metrics for every request and logs it. Successful
// requests log at debug so webhook traffic does not flood the output.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route, code := routePattern(r), status(ww)
		metrics.RecordHTTPRequest(r.Method, route, code, elapsed)

		l := pkgmw.Logger(r.Context())
		var ev *zerolog.Event
		switch {
		case code >= 500:
			ev = l.Error()
		case code >= 400:
			ev = l.Warn()
		default:
			ev = l.Debug()
		}
		ev.Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", code).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
