package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/middlewares"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{utils.ValidationError("bad"), http.StatusBadRequest},
		{utils.InvalidTransition("new -> finished"), http.StatusBadRequest},
		{utils.NotFound("order 7 not found"), http.StatusNotFound},
		{utils.Conflict("payment exceeds total"), http.StatusConflict},
		{utils.DependencyFailure(errors.New("dial tcp"), "smtp"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, tc.err)
		if w.Code != tc.status {
			t.Fatalf("%v expected %d, got %d", tc.err, tc.status, w.Code)
		}
	}
}

func TestWriteError_PolicyBlockedIsNotAFailure(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeError(c, utils.PolicyBlocked("SMTP is not configured"))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["skipped"])
	assert.Contains(t, body["reason"], "SMTP")
}

func TestRouter_ReadinessGate(t *testing.T) {
	config.SetDB(nil)
	r := newRouter(config.GetLogger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(middlewares.HeaderCorrelationId))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/change-status", strings.NewReader(`{}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim("  "))
	assert.Equal(t, []string{"https://a.lt", "https://b.lt"}, splitAndTrim(" https://a.lt, ,https://b.lt "))
}

func TestIdParam(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"12", true},
		{"0", false},
		{"-3", false},
		{"abc", false},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Params = gin.Params{{Key: "id", Value: tc.raw}}
		_, err := idParam(c)
		if (err == nil) != tc.ok {
			t.Fatalf("idParam(%q) expected ok=%v, got %v", tc.raw, tc.ok, err)
		}
	}
}

func TestAdminHandlers_RejectBadInputBeforeTouchingStore(t *testing.T) {
	r := gin.New()
	r.GET("/purchase-invoices/:id", purchaseInvoiceHandler())
	r.POST("/mail/messages/:id/status", mailStatusHandler())
	r.DELETE("/status-rules/:id", deleteStatusRuleHandler())
	r.POST("/mail/trusted-senders", trustedSenderHandler())

	cases := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/purchase-invoices/x", ""},
		{http.MethodPost, "/mail/messages/0/status", `{"status":"archived"}`},
		{http.MethodPost, "/mail/messages/4/status", `not json`},
		{http.MethodDelete, "/status-rules/-1", ""},
		{http.MethodPost, "/mail/trusted-senders", `[`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, "%s %s", tc.method, tc.path)
	}
}
