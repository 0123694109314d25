package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/enterprise-platform/identity-security/shared/logger"
)

// RequestID 请求ID中间件
//
// 网关未带X-Request-ID时本地生成，便于跨服务追踪。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// Logger HTTP访问日志中间件
func Logger(log logger.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		fields := map[string]interface{}{
			"timestamp":   param.TimeStamp.Format(time.RFC3339),
			"status_code": param.StatusCode,
			"latency":     param.Latency.String(),
			"client_ip":   param.ClientIP,
			"method":      param.Method,
			"path":        param.Path,
			"body_size":   param.BodySize,
		}
		if param.ErrorMessage != "" {
			fields["error_message"] = param.ErrorMessage
		}
		if requestID := param.Keys["request_id"]; requestID != nil {
			fields["request_id"] = requestID
		}

		switch {
		case param.StatusCode >= 500:
			log.WithFields(fields).Error("HTTP请求")
		case param.StatusCode >= 400:
			log.WithFields(fields).Warn("HTTP请求")
		default:
			log.WithFields(fields).Info("HTTP请求")
		}

		return ""
	})
}

// Recovery panic恢复中间件
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := c.GetString("request_id")

		log.WithFields(map[string]interface{}{
			"request_id": requestID,
			"panic":      recovered,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		}).Error("服务器内部错误")

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "内部服务器错误",
			"request_id": requestID,
		})
	})
}

// SecurityHeaders 安全响应头中间件
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
