package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatline/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		user, _ := UserIDFromContext(c.Request.Context())
		session, _ := SessionIDFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user": user, "session": session})
	})
	return r
}

func get(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentityAndRequireUser(t *testing.T) {
	r := newRouter(Identity(), RequireUser())

	w := get(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, map[string]string{HeaderUserID: "alice", HeaderSessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"alice","session":"s1"}`, w.Body.String())
}

func TestRequestIDEchoed(t *testing.T) {
	r := newRouter(RequestID())

	w := get(r, map[string]string{HeaderRequestID: "req-7"})
	assert.Equal(t, "req-7", w.Header().Get(HeaderRequestID))

	w = get(r, nil)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(CORS())
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestRateLimitPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := RateLimitConfig{Enabled: true, Capacity: 2, RefillPerSecond: 1}
	r := newRouter(Identity(), RateLimit(cfg, rdb, "test", clk, logger.Discard()))
	alice := map[string]string{HeaderUserID: "alice"}

	assert.Equal(t, http.StatusOK, get(r, alice).Code)
	assert.Equal(t, http.StatusOK, get(r, alice).Code)

	w := get(r, alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// other users have their own bucket
	assert.Equal(t, http.StatusOK, get(r, map[string]string{HeaderUserID: "bob"}).Code)

	clk.Advance(time.Second)
	assert.Equal(t, http.StatusOK, get(r, alice).Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	cfg := RateLimitConfig{Enabled: true, Capacity: 1, RefillPerSecond: 1}
	r := newRouter(RateLimit(cfg, rdb, "test", nil, logger.Discard()))

	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	assert.Equal(t, http.StatusOK, get(r, nil).Code)
}
