package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// RequestIDMiddleware echoes or assigns an X-Request-ID on every response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Request-ID", requestIDFromContext(c))
		c.Next()
	}
}
