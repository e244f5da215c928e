package auth

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentescrow/internal/logging"
)

const (
	// ContextKeySubject is the gin context key for the authenticated user id.
	ContextKeySubject = "authSubject"
	// ContextKeyRole is the gin context key for the caller's role.
	ContextKeyRole = "authRole"

	// ServiceTokenHeader carries the rental module's shared secret.
	ServiceTokenHeader = "X-Service-Token"

	// ServiceSubject is recorded as the actor for service-token calls.
	ServiceSubject = "rental-module"
)

// Middleware identifies the caller. Invalid or missing credentials leave the
// request anonymous; RequireAuth and RequireRole do the rejecting.
func Middleware(tokens *TokenManager, serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if st := c.GetHeader(ServiceTokenHeader); st != "" && serviceToken != "" {
			if subtle.ConstantTimeCompare([]byte(st), []byte(serviceToken)) == 1 {
				setPrincipal(c, &Principal{Subject: ServiceSubject, Role: RoleService})
			}
			c.Next()
			return
		}

		raw := bearer(c.GetHeader("Authorization"))
		if raw != "" {
			if p, err := tokens.Parse(raw); err == nil {
				setPrincipal(c, p)
			} else {
				logging.L(c.Request.Context()).Debug("rejected bearer token", "error", err)
			}
		}
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p *Principal) {
	c.Set(ContextKeySubject, p.Subject)
	c.Set(ContextKeyRole, p.Role)
	c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), p.Subject))
}

func bearer(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireAuth rejects anonymous requests.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		if !slices.Contains(roles, GetRole(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this operation",
			})
			return
		}
		c.Next()
	}
}

// GetSubject returns the authenticated user id, or "".
func GetSubject(c *gin.Context) string {
	return c.GetString(ContextKeySubject)
}

// GetRole returns the caller's role, or "".
func GetRole(c *gin.Context) Role {
	if r, ok := c.Get(ContextKeyRole); ok {
		if role, ok := r.(Role); ok {
			return role
		}
	}
	return ""
}

// IsAuthenticated checks if the request has valid credentials.
func IsAuthenticated(c *gin.Context) bool {
	return GetSubject(c) != ""
}

// IsAdmin reports whether the caller is an administrator.
func IsAdmin(c *gin.Context) bool {
	return GetRole(c) == RoleAdmin
}
