package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each gateway request when it arrives and again when
// the handler returns, which for an upgraded socket is when it closes.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip, requestID string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
				requestID = reqMeta.RequestID
			}
			reqLogger := logger.With(slog.String("ip", ip), slog.String("requestID", requestID))

			reqLogger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
			)
			start := time.Now()
			next.ServeHTTP(w, r)
			reqLogger.Debug("HTTP request finished", slog.Duration("elapsed", time.Since(start)))
		})
	}
}
