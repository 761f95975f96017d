package control

import (
	"net/http"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindInvalidState, domain.KindSessionConflict, domain.KindAborted:
		return http.StatusConflict
	case domain.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindConnectionTimeout:
		return http.StatusGatewayTimeout
	case domain.KindNegotiationFailed, domain.KindConnectionLost, domain.KindBackend:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorHandler renders the last handler error as a classified JSON body.
func errorHandler(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		e, ok := domain.AsError(err)
		if !ok {
			logger.Errorw("unhandled error", "error", err, "path", c.Request.URL.Path)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"kind": "Internal", "message": "internal error"},
			})
			return
		}

		status := statusFor(e.Kind)
		logger.Infow("request failed",
			"kind", e.Kind,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(status, gin.H{"error": e})
	}
}

// recovery turns a handler panic into a 500.
func recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered", "error", r, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"kind": "Internal", "message": "internal error"},
				})
			}
		}()
		c.Next()
	}
}

// traced wraps every request in a server span.
func traced() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartSpan(c.Request.Context(), "http."+c.Request.Method)
		defer span.End()
		span.SetAttributes(attribute.String("http.route", c.FullPath()))
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
