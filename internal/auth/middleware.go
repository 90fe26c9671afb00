package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyTenantID is the tenant the authenticated key belongs to
	ContextKeyTenantID = "authTenantID"
	// ContextKeySubject is the authenticated key's subject
	ContextKeySubject = "authSubject"
	// ContextKeyAdmin is set when the request carried a valid admin secret
	ContextKeyAdmin = "authAdmin"

	// AdminSecretHeader carries the operator secret.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware extracts and validates credentials from the request. It never
// rejects; Require* middlewares do.
func Middleware(m *Manager, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret != "" {
			got := c.GetHeader(AdminSecretHeader)
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(adminSecret)) == 1 {
				c.Set(ContextKeyAdmin, true)
			}
		}

		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyTenantID, key.TenantID)
				c.Set(ContextKeySubject, key.Subject)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests carrying neither a valid key nor the admin secret.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without the admin secret.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// RequireTenant requires the admin secret or a key bound to the tenant named
// by the paramName route parameter.
func RequireTenant(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if key.TenantID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "not your tenant",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetTenantID returns the authenticated key's tenant, or "".
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// GetSubject returns the authenticated key's subject, or "admin" for
// operator requests.
func GetSubject(c *gin.Context) string {
	if s := c.GetString(ContextKeySubject); s != "" {
		return s
	}
	if IsAdmin(c) {
		return "admin"
	}
	return ""
}

// IsAuthenticated checks if the request carries a valid API key
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// IsAdmin checks if the request carried the admin secret
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// AgentSubject builds the key subject for an employee agent.
func AgentSubject(agentID string) string {
	return SubjectAgentPrefix + agentID
}

// AgentID extracts the agent ID from an agent subject.
func AgentID(subject string) (string, bool) {
	if !strings.HasPrefix(subject, SubjectAgentPrefix) {
		return "", false
	}
	return strings.TrimPrefix(subject, SubjectAgentPrefix), true
}
