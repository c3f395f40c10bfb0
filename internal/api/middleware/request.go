package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tzhukov/immaterium/internal/shared/id"
)

// RequestIDKey is the gin context key carrying the request ID.
const RequestIDKey = "request_id"

// RequestID tags every request with a unique ID for log correlation. An
// incoming X-Request-ID header is honored so upstream proxies can thread
// their own IDs through.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = id.NewRequestID().String()
		}
		c.Set(RequestIDKey, rid)
		c.Header("X-Request-ID", rid)
		c.Next()
	}
}
