package middleware

import (
	"net/http"

	"peercall/pkg/errors"
	"peercall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error as a
// JSON body. Handlers that already wrote a response are left alone.
func ErrorHandlerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		status, body := errorResponse(err)
		ctx := c.Request.Context()
		if status >= http.StatusInternalServerError {
			cl.LogError(ctx, err, "request failed",
				zap.Int("status", status),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		} else {
			cl.WithContext(ctx).Debug("request rejected",
				zap.Error(err),
				zap.Int("status", status),
				zap.String("path", c.Request.URL.Path),
			)
		}

		if !c.Writer.Written() {
			c.JSON(status, body)
		}
	}
}

func errorResponse(err error) (int, gin.H) {
	appErr := errors.GetAppError(err)
	if appErr == nil {
		return http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		}
	}

	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return appErr.HTTPStatus, body
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
