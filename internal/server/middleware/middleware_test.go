package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/stompd/internal/server/middleware"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	h := middleware.Chain(final, mark("first"), mark("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestRequestMetadata(t *testing.T) {
	var got *middleware.RequestMetadata
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = middleware.ReqMetadataFrom(r.Context())
	}), middleware.RequestMetadataMiddleware(), middleware.NewRequestLogger(newTestLogger()))

	t.Run("generated id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.NotNil(t, got)
		assert.Equal(t, "10.0.0.1", got.IP)
		assert.NotEmpty(t, got.RequestID)
		assert.Equal(t, got.RequestID, rec.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("forwarded id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set(middleware.RequestIDHeader, "abc")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "abc", got.RequestID)
	})
}

func TestConnectionLimiter(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(newTestLogger(), 2)

	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}), middleware.RequestMetadataMiddleware(), limiter.Middleware())

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.9:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve()
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("request did not reach the handler")
		}
	}
	assert.Equal(t, 2, limiter.Active("10.0.0.9"))

	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	close(release)
	wg.Wait()
	assert.Zero(t, limiter.Active("10.0.0.9"))
}

func TestConnectionLimiterDisabled(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(newTestLogger(), 0)
	called := false
	h := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, called)
}
