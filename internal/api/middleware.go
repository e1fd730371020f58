package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/bridgesync/internal/auth"
	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/logging"
)

const claimsKey = "claims"

// RequestLogger logs every request through the structured logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if fields["path"] == "" {
			fields["path"] = c.Request.URL.Path
		}
		if c.Writer.Status() >= 500 {
			logging.Warn("Request failed", fields)
			return
		}
		logging.Debug("Request served", fields)
	}
}

// Authenticate requires a valid bearer token and stores its claims.
func Authenticate(m *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose claims lack role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFromContext(c)
		if claims == nil || !claims.HasRole(role) {
			abortWithError(c, apperrors.Newf(apperrors.ErrAuthorization, "%s role required", role))
			return
		}
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by Authenticate, or nil.
func ClaimsFromContext(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		logging.Error("Request error", err, map[string]interface{}{"path": c.Request.URL.Path})
	}
	c.JSON(status, errorBody{Error: err.Error(), Code: string(apperrors.CodeOf(err))})
}

func abortWithError(c *gin.Context, err error) {
	writeError(c, err)
	c.Abort()
}
