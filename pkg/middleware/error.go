package middleware

import (
	"smallbiznis-billing/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as the standard error body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.FromError(last.Err)
		status := be.Code.HTTPStatus()
		if status >= 500 {
			ContextLogger(c).Error("request failed", zap.String("code", string(be.Code)), zap.Error(last.Err))
		}

		c.JSON(status, be.JSON())
	}
}
