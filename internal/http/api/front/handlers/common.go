package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// getUserID extracts the user ID set by the user auth middleware.
func getUserID(c *gin.Context) string {
	val, exists := c.Get("userID")
	if !exists {
		return ""
	}
	if s, ok := val.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func formatTime(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	s := t.In(loc).Format(time.RFC3339)
	return &s
}
