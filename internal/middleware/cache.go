package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NoStore forbids caching; exam state changes every second.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// PrivateCache lets the student's browser keep immutable responses such as
// evidence previews, but never shared caches.
func PrivateCache(maxAgeSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d, immutable", maxAgeSeconds))
		c.Next()
	}
}
