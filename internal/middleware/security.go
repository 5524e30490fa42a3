package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

type SecurityConfig struct {
	HSTS         bool
	HSTSMaxAge   int
	FrameOptions string
	// NoStore keeps patient data out of browser and proxy caches.
	NoStore       bool
	CSPDirectives []string
}

func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTS:         false,
		HSTSMaxAge:   31536000,
		FrameOptions: "DENY",
		NoStore:      true,
		CSPDirectives: []string{
			"default-src 'self'",
			"connect-src 'self'",
			"frame-ancestors 'none'",
		},
	}
}

func SecurityHeaders(config SecurityConfig) gin.HandlerFunc {
	csp := strings.Join(config.CSPDirectives, "; ")
	return func(c *gin.Context) {
		if config.HSTS {
			c.Header("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", config.HSTSMaxAge))
		}
		c.Header("X-Frame-Options", config.FrameOptions)
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		if config.NoStore {
			c.Header("Cache-Control", "no-store")
			c.Header("Pragma", "no-cache")
		}
		if csp != "" {
			c.Header("Content-Security-Policy", csp)
		}
		c.Next()
	}
}
