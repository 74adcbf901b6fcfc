package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/plansync/internal/auth"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request. Server errors log at error level,
// client errors at warn.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Identity is attached further down the chain, so capture it on the way out.
			var userID string
			next.ServeHTTP(rec, r.WithContext(withUserSink(r.Context(), &userID)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", RealIP(r)),
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

type userSinkKey struct{}

func withUserSink(ctx context.Context, dst *string) context.Context {
	return context.WithValue(ctx, userSinkKey{}, dst)
}

// recordUser reports the authenticated user to an enclosing RequestLogger.
func recordUser(ctx context.Context, id auth.Identity) {
	if dst, ok := ctx.Value(userSinkKey{}).(*string); ok {
		*dst = id.UserID
	}
}
