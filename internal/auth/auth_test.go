package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/flow-forge/internal/config"
)

type authEnv struct {
	router   *gin.Engine
	mr       *miniredis.Miniredis
	throttle *Throttle
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "test-secret-test-secret-test-secret",
		APIToken:        "cli-token",
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	throttle := NewThrottle(rdb, "test")
	m := NewManager(cfg, throttle, zerolog.Nop())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	r.POST("/api/auth/login", m.Login)
	r.POST("/api/auth/logout", m.Logout)
	protected := r.Group("/api", m.RequireLogin(), m.VerifyCSRF())
	protected.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextUserKey)) })
	protected.POST("/action", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return &authEnv{router: r, mr: mr, throttle: throttle}
}

func (e *authEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func login(password string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"admin","password":"`+password+`"}`))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLoginSessionAndCSRF(t *testing.T) {
	env := newAuthEnv(t)

	rec := env.do(login("correct-horse"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	csrf := rec.Header().Get(csrfHeader)
	require.NotEmpty(t, csrf)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	withCookies := func(req *http.Request) *http.Request {
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req
	}

	rec = env.do(withCookies(httptest.NewRequest(http.MethodGet, "/api/me", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", rec.Body.String())

	rec = env.do(withCookies(httptest.NewRequest(http.MethodPost, "/api/action", nil)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF_INVALID")

	req := withCookies(httptest.NewRequest(http.MethodPost, "/api/action", nil))
	req.Header.Set(csrfHeader, csrf)
	assert.Equal(t, http.StatusAccepted, env.do(req).Code)
}

func TestRequireLoginWithoutCredentials(t *testing.T) {
	env := newAuthEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestBearerTokenSkipsCSRF(t *testing.T) {
	env := newAuthEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/action", nil)
	req.Header.Set("Authorization", "Bearer cli-token")
	assert.Equal(t, http.StatusAccepted, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "bearer cli-token")
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TokenUser, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	env := newAuthEnv(t)

	for i := maxLoginAttempts - 1; i >= 0; i-- {
		rec := env.do(login("wrong"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"remainingAttempts":`+strconv.Itoa(i))
	}

	rec := env.do(login("correct-horse"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	env.mr.FastForward(lockDuration + time.Second)
	rec = env.do(login("correct-horse"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestThrottleWindowResets(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()

	remaining, err := env.throttle.RecordFailure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, maxLoginAttempts-1, remaining)

	env.mr.FastForward(loginWindow + time.Second)
	remaining, err = env.throttle.RecordFailure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, maxLoginAttempts-1, remaining)

	require.NoError(t, env.throttle.Reset(ctx, "10.0.0.1"))
	locked, err := env.throttle.Locked(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestLogoutClearsSession(t *testing.T) {
	env := newAuthEnv(t)
	rec := env.do(login("correct-horse"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}
