package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ProxyTokenHeader carries the shared secret of the routing layer.
const ProxyTokenHeader = "X-Proxy-Token"

// ProxyTokenMiddleware admits requests presenting the shared proxy token, either in
// X-Proxy-Token or as a bearer token. An empty token disables the check.
func ProxyTokenMiddleware(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		presented := strings.TrimSpace(c.GetHeader(ProxyTokenHeader))
		if presented == "" {
			authHeader := c.GetHeader("Authorization")
			if bearer := strings.TrimPrefix(authHeader, "Bearer "); bearer != authHeader {
				presented = strings.TrimSpace(bearer)
			}
		}
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing proxy token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			log.WithField("client_ip", c.ClientIP()).Warn("proxy token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid proxy token"})
			return
		}
		c.Next()
	}
}
