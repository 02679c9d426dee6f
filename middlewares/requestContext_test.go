package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seen struct {
	userId        int
	hasUser       bool
	userName      string
	ip            string
	correlationId string
}

func serve(t *testing.T, req *http.Request) (seen, *httptest.ResponseRecorder) {
	t.Helper()
	var got seen
	r := gin.New()
	r.Use(RequestContext())
	r.GET("/", func(c *gin.Context) {
		ctx := c.Request.Context()
		got.userId, got.hasUser = utils.GetUserIdFromContext(ctx)
		got.userName, _ = utils.GetUserNameFromContext(ctx)
		got.ip, _ = utils.GetClientIPFromContext(ctx)
		got.correlationId, _ = utils.GetCorrelationIdFromContext(ctx)
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	return got, w
}

func TestRequestContext_CopiesHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set(HeaderUserId, "42")
	req.Header.Set(HeaderUserName, "Jonas")
	req.Header.Set(HeaderCorrelationId, "abc-123")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	got, w := serve(t, req)
	assert.True(t, got.hasUser)
	assert.Equal(t, 42, got.userId)
	assert.Equal(t, "Jonas", got.userName)
	assert.Equal(t, "203.0.113.7", got.ip)
	assert.Equal(t, "abc-123", got.correlationId)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderCorrelationId))
}

func TestRequestContext_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set(HeaderUserId, "not-a-number")

	got, w := serve(t, req)
	assert.False(t, got.hasUser)
	assert.Equal(t, "10.0.0.9", got.ip)
	assert.NotEmpty(t, got.correlationId, "a correlation id is generated")
	assert.Equal(t, got.correlationId, w.Header().Get(HeaderCorrelationId))
}

func TestRateLimiter_PassesWithoutRedis(t *testing.T) {
	rl := &RateLimiter{client: func() *redis.Client { return nil }, limit: 1, window: time.Minute}
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
}
