package middlewares

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/tms_backend/utils"
)

const (
	HeaderUserId        = "X-User-Id"
	HeaderUserName      = "X-User-Name"
	HeaderCorrelationId = "X-Correlation-Id"
)

// RequestContext copies the caller identity set by the upstream auth proxy, the
// client IP and a correlation id into the request context. Authentication itself
// happens in front of this service.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, cid)
		c.Header(HeaderCorrelationId, cid)

		if ip := utils.ClientIP(c.Request); ip != "" {
			ctx = utils.SetClientIPInContext(ctx, ip)
		}
		if v := strings.TrimSpace(c.GetHeader(HeaderUserId)); v != "" {
			if id, err := strconv.Atoi(v); err == nil && id > 0 {
				ctx = utils.SetUserIdInContext(ctx, id)
			}
		}
		if name := strings.TrimSpace(c.GetHeader(HeaderUserName)); name != "" {
			ctx = utils.SetUserNameInContext(ctx, name)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
