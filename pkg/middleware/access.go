package middleware

import (
	"smallbiznis-billing/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ActorRoleHeader carries the caller's role, set by the upstream auth layer.
const ActorRoleHeader = "X-Actor-Role"

// ActorIDHeader identifies the operator for audit notes.
const ActorIDHeader = "X-Actor-ID"

const actorContextKey = "billing.actor"

// Authorize enforces the casbin policy for the matched route and method.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetHeader(ActorRoleHeader)
		if role == "" {
			_ = c.Error(errutil.Unauthorized("missing actor role", nil))
			c.Abort()
			return
		}

		ok, err := e.Enforce(role, c.FullPath(), c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("access control failure", err))
			c.Abort()
			return
		}
		if !ok {
			ContextLogger(c).Warn("access denied",
				zap.String("role", role),
				zap.String("path", c.FullPath()),
			)
			_ = c.Error(errutil.Forbidden("not allowed", nil))
			c.Abort()
			return
		}

		c.Set(actorContextKey, c.GetHeader(ActorIDHeader))
		c.Next()
	}
}

// Actor returns the operator id recorded by Authorize, if any.
func Actor(c *gin.Context) string {
	return c.GetString(actorContextKey)
}
