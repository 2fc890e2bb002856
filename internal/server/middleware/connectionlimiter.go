package middleware

import (
	"log/slog"
	"net/http"
	"sync"
)

// ConnectionLimiter caps concurrent gateway connections per client IP. The
// wrapped handler must block for the connection's lifetime, as the
// WebSocket upgrade handler does.
type ConnectionLimiter struct {
	mu     sync.Mutex
	active map[string]int
	max    int
	logger *slog.Logger
}

func NewConnectionLimiter(logger *slog.Logger, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		active: make(map[string]int),
		max:    maxPerIP,
		logger: logger,
	}
}

// Active reports the number of open connections from ip.
func (l *ConnectionLimiter) Active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[ip]
}

func (l *ConnectionLimiter) acquire(ip string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.active[ip]
	if count >= l.max {
		return count, false
	}
	l.active[ip] = count + 1
	return count + 1, true
}

func (l *ConnectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[ip] <= 1 {
		delete(l.active, ip)
		return
	}
	l.active[ip]--
}

func (l *ConnectionLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.max <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				l.logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count, ok := l.acquire(reqMeta.IP)
			if !ok {
				l.logger.Warn("IP connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			defer l.release(reqMeta.IP)
			next.ServeHTTP(w, r)
		})
	}
}
