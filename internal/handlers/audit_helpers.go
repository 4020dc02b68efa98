package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay-service/internal/middleware"
	"relay-service/internal/models"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	for _, candidate := range []string{c.GetHeader("X-User-Id"), c.Query("user_id")} {
		if models.IsValidUserID(candidate) {
			return &candidate
		}
	}
	return nil
}
