package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/auth"
)

const (
	// HeaderTenantID names the tenant when an operator calls on its behalf.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderSubscriptionID pins the subscription to check.
	HeaderSubscriptionID = "X-Subscription-ID"

	// ContextKeyDecision holds the allowing Decision for downstream handlers.
	ContextKeyDecision = "policyDecision"
)

// RequireCapability guards a route with Enforce. The tenant comes from the
// caller's API key, or from X-Tenant-ID for operator requests.
func RequireCapability(e *Enforcer, capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := auth.GetTenantID(c)
		if tenantID == "" && auth.IsAdmin(c) {
			tenantID = c.GetHeader(HeaderTenantID)
		}
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "tenant credentials required",
			})
			return
		}

		d, err := e.Enforce(c.Request.Context(), Request{
			TenantID:       tenantID,
			SubscriptionID: c.GetHeader(HeaderSubscriptionID),
			Capability:     capability,
			Actor:          auth.GetSubject(c),
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "policy_unavailable",
				"message": "access could not be evaluated",
				"reason":  d.Reason,
			})
			return
		}
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":      "policy_denied",
				"message":    "capability not available for this tenant",
				"reason":     d.Reason,
				"capability": capability,
			})
			return
		}

		c.Set(ContextKeyDecision, d)
		c.Next()
	}
}
