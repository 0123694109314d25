package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/enterprise-platform/identity-security/internal/authz"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/middleware"
	"github.com/enterprise-platform/identity-security/shared/models"
)

// ServiceAccountHandler 服务账号处理器
type ServiceAccountHandler struct {
	manager *authz.ServiceAccountManager
	logger  logger.Logger
}

// NewServiceAccountHandler 创建服务账号处理器
func NewServiceAccountHandler(manager *authz.ServiceAccountManager, log logger.Logger) *ServiceAccountHandler {
	return &ServiceAccountHandler{manager: manager, logger: log}
}

// CreateServiceAccountRequest 创建服务账号请求
type CreateServiceAccountRequest struct {
	ServiceName     string     `json:"service_name" binding:"required,max=255"`
	Description     string     `json:"description" binding:"max=1000"`
	AllowedServices []string   `json:"allowed_services"`
	AllowedIPs      []string   `json:"allowed_ips"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// Create 创建服务账号
//
// 明文API密钥仅在本次响应中返回一次。
func (h *ServiceAccountHandler) Create(c *gin.Context) {
	var req CreateServiceAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	account := &models.ServiceAccount{
		ServiceName:     req.ServiceName,
		Description:     req.Description,
		TenantID:        middleware.TenantID(c),
		OwnerUserID:     userID,
		AllowedServices: req.AllowedServices,
		AllowedIPs:      req.AllowedIPs,
		ExpiresAt:       req.ExpiresAt,
		CreatedBy:       userID.String(),
	}

	created, err := h.manager.Create(c.Request.Context(), account)
	if err != nil {
		h.logger.WithField("service_name", req.ServiceName).Errorf("创建服务账号失败: %v", err)
		writeError(c, err, "创建服务账号失败")
		return
	}

	ok(c, "服务账号已创建，API密钥仅此一次展示", created)
}

// RotateAPIKey 轮换API密钥
func (h *ServiceAccountHandler) RotateAPIKey(c *gin.Context) {
	serviceName := c.Param("name")
	if serviceName == "" {
		badRequest(c, "缺少服务名称")
		return
	}

	account, err := h.manager.RotateAPIKey(c.Request.Context(), serviceName, middleware.UserID(c).String())
	if err != nil {
		h.logger.WithField("service_name", serviceName).Errorf("轮换API密钥失败: %v", err)
		writeError(c, err, "轮换API密钥失败")
		return
	}

	ok(c, "API密钥已轮换，旧密钥即刻失效，新密钥仅此一次展示", account)
}

// Disable 停用服务账号
func (h *ServiceAccountHandler) Disable(c *gin.Context) {
	serviceName := c.Param("name")
	if serviceName == "" {
		badRequest(c, "缺少服务名称")
		return
	}

	if err := h.manager.Disable(c.Request.Context(), serviceName, middleware.UserID(c).String()); err != nil {
		writeError(c, err, "停用服务账号失败")
		return
	}

	ok(c, "服务账号已停用", nil)
}

// ServiceAuthorizeRequest 服务间调用授权请求
type ServiceAuthorizeRequest struct {
	ServiceName   string `json:"service_name" binding:"required,max=255"`
	TargetService string `json:"target_service" binding:"required,max=255"`
	ResourceType  string `json:"resource_type" binding:"required,max=100"`
	ResourceID    string `json:"resource_id" binding:"required,max=255"`
	Action        string `json:"action" binding:"required,max=100"`
}

// Authorize 服务间调用授权
//
// 凭证经X-API-Key头传递，不进入请求体。
func (h *ServiceAccountHandler) Authorize(c *gin.Context) {
	var req ServiceAuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		badRequest(c, "缺少X-API-Key头")
		return
	}

	result, err := h.manager.Authorize(c.Request.Context(), &authz.ServiceRequest{
		ServiceName:   req.ServiceName,
		APIKey:        apiKey,
		TargetService: req.TargetService,
		ClientIP:      c.ClientIP(),
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Action:        req.Action,
	})
	if err != nil {
		writeError(c, err, "服务授权失败")
		return
	}

	ok(c, "评估完成", result)
}
