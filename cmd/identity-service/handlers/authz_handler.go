package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/enterprise-platform/identity-security/internal/authz"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/middleware"
)

// AuthzHandler 授权处理器
type AuthzHandler struct {
	engine *authz.Engine
	logger logger.Logger
}

// NewAuthzHandler 创建授权处理器
func NewAuthzHandler(engine *authz.Engine, log logger.Logger) *AuthzHandler {
	return &AuthzHandler{engine: engine, logger: log}
}

// AuthorizeRequest 授权评估请求
type AuthorizeRequest struct {
	DepartmentID string `json:"department_id" binding:"max=100"`
	ProjectID    string `json:"project_id" binding:"max=100"`
	ResourceType string `json:"resource_type" binding:"required,max=100"`
	ResourceID   string `json:"resource_id" binding:"required,max=255"`
	Action       string `json:"action" binding:"required,max=100"`
	GeoRegion    string `json:"geo_region" binding:"max=50"`
	MFACompleted bool   `json:"mfa_completed"`
	Emergency    bool   `json:"emergency"`
}

func (r *AuthorizeRequest) toEngineRequest(c *gin.Context) *authz.Request {
	return &authz.Request{
		UserID:       middleware.UserID(c),
		TenantID:     middleware.TenantID(c),
		DepartmentID: r.DepartmentID,
		ProjectID:    r.ProjectID,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Action:       r.Action,
		Context: authz.RequestContext{
			ClientIP:     c.ClientIP(),
			GeoRegion:    r.GeoRegion,
			MFACompleted: r.MFACompleted,
			Emergency:    r.Emergency,
		},
	}
}

// Authorize 评估访问请求
func (h *AuthzHandler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.engine.Authorize(c.Request.Context(), req.toEngineRequest(c))
	if err != nil {
		h.logger.WithField("user_id", middleware.UserID(c)).Errorf("授权评估失败: %v", err)
		writeError(c, err, "授权评估失败")
		return
	}

	ok(c, "评估完成", result)
}

// HasPermission 权限快速检查
func (h *AuthzHandler) HasPermission(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	allowed, err := h.engine.HasPermission(c.Request.Context(), req.toEngineRequest(c))
	if err != nil {
		writeError(c, err, "权限检查失败")
		return
	}

	ok(c, "检查完成", gin.H{"allowed": allowed})
}

// HasRole 角色检查
func (h *AuthzHandler) HasRole(c *gin.Context) {
	roleName := c.Param("role")
	if roleName == "" {
		badRequest(c, "缺少角色名称")
		return
	}

	hasRole, err := h.engine.HasRole(c.Request.Context(), middleware.UserID(c), roleName)
	if err != nil {
		writeError(c, err, "角色检查失败")
		return
	}

	ok(c, "检查完成", gin.H{"role": roleName, "has_role": hasRole})
}

// GetEffectivePermissions 查询用户有效权限集
func (h *AuthzHandler) GetEffectivePermissions(c *gin.Context) {
	permissions, err := h.engine.EffectivePermissions(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err, "查询有效权限失败")
		return
	}

	ok(c, "查询成功", permissions)
}
