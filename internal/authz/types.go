package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/enterprise-platform/identity-security/shared/models"
)

// Decision 授权判定
type Decision string

const (
	// DecisionGranted 准许访问
	DecisionGranted Decision = "granted"
	// DecisionDenied 拒绝访问
	DecisionDenied Decision = "denied"
)

// PermissionSource 权限来源
type PermissionSource string

const (
	SourceDirect    PermissionSource = "direct"    // 直接授予用户
	SourceRole      PermissionSource = "role"      // 经角色继承
	SourceDelegated PermissionSource = "delegated" // 委托授权
)

// RequestContext 请求环境上下文，参与风险评估
type RequestContext struct {
	ClientIP     string `json:"client_ip,omitempty"`
	GeoRegion    string `json:"geo_region,omitempty"` // 请求来源地域
	MFACompleted bool   `json:"mfa_completed"`
	Emergency    bool   `json:"emergency"` // 紧急访问通道
}

// Request 授权请求
type Request struct {
	UserID       uuid.UUID      `json:"user_id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	DepartmentID string         `json:"department_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"` // 资源的自然标识
	Action       string         `json:"action"`
	Context      RequestContext `json:"context"`
}

// RiskAssessment 风险评估结果
type RiskAssessment struct {
	Score                float64  `json:"score"` // [0, 1]
	Factors              []string `json:"factors,omitempty"`
	RequiresAuditLogging bool     `json:"requires_audit_logging"`
	RequiresApproval     bool     `json:"requires_approval"`
	RequiresMFA          bool     `json:"requires_mfa"`
}

// Result 授权结果
type Result struct {
	Decision    Decision               `json:"decision"`
	Reason      string                 `json:"reason"`
	Source      PermissionSource       `json:"source,omitempty"`
	Permission  string                 `json:"permission,omitempty"` // 命中的权限名
	Scope       models.PermissionScope `json:"scope,omitempty"`
	Risk        *RiskAssessment        `json:"risk,omitempty"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// Allowed 是否为放行判定
func (r *Result) Allowed() bool {
	return r.Decision == DecisionGranted
}

// effectivePermission 评估期聚合的候选权限
type effectivePermission struct {
	permission  *models.Permission
	source      PermissionSource
	constraints map[string]interface{}
}

// EffectivePermissionView 用户有效权限的外部视图
type EffectivePermissionView struct {
	Name         string                 `json:"name"`
	ResourceType string                 `json:"resource_type"`
	Action       string                 `json:"action"`
	Scope        models.PermissionScope `json:"scope"`
	Source       PermissionSource       `json:"source"`
}
