package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enterprise-platform/identity-security/internal/authz"
	"github.com/enterprise-platform/identity-security/internal/delivery"
	"github.com/enterprise-platform/identity-security/internal/mfa"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	webauthnsvc "github.com/enterprise-platform/identity-security/internal/webauthn"
)

// StandardResponse 统一响应结构
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, StandardResponse{
		Success: false,
		Error:   "请求参数无效",
		Code:    "INVALID_REQUEST",
		Message: message,
	})
}

// writeError 领域错误到HTTP响应的映射
//
// 验证类失败统一折叠为同一错误码与文案，
// 不向客户端泄露失败的具体环节。
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, StandardResponse{
			Success: false,
			Error:   "请求过于频繁，请稍后再试",
			Code:    "RATE_LIMITED",
		})
	case errors.Is(err, mfa.ErrChallengeInvalid),
		errors.Is(err, mfa.ErrVerificationFailed),
		errors.Is(err, mfa.ErrReplayDetected),
		errors.Is(err, webauthnsvc.ErrCloneDetected),
		errors.Is(err, webauthnsvc.ErrSessionNotFound):
		c.JSON(http.StatusUnauthorized, StandardResponse{
			Success: false,
			Error:   "验证失败",
			Code:    "VERIFICATION_FAILED",
		})
	case errors.Is(err, authz.ErrInvalidRequest):
		badRequest(c, err.Error())
	case errors.Is(err, mfa.ErrDeviceIneligible), errors.Is(err, webauthnsvc.ErrNoCredentials):
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Error:   "设备不可用",
			Code:    "DEVICE_INELIGIBLE",
		})
	case errors.Is(err, delivery.ErrTransportFailure):
		c.JSON(http.StatusBadGateway, StandardResponse{
			Success: false,
			Error:   "验证码发送失败，请稍后再试",
			Code:    "DELIVERY_FAILED",
		})
	case errors.Is(err, authz.ErrServiceCredential):
		c.JSON(http.StatusUnauthorized, StandardResponse{
			Success: false,
			Error:   "服务账号凭证无效",
			Code:    "INVALID_SERVICE_CREDENTIAL",
		})
	case errors.Is(err, mfa.ErrNotFound), errors.Is(err, authz.ErrNotFound):
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false,
			Error:   "记录不存在",
			Code:    "NOT_FOUND",
		})
	default:
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Error:   fallback,
			Code:    "INTERNAL_ERROR",
		})
	}
}
