package authz

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

// ErrInvalidRequest 请求缺少主体、资源或操作
var ErrInvalidRequest = errors.New("授权请求不完整")

// Engine 风险感知授权引擎
//
// 判定只读取权限图与资源状态，不产生副作用。
// 资源不存在与资源不可用对外返回同一拒绝理由。
type Engine struct {
	repo   *Repository
	scorer *RiskScorer
	audit  audit.Publisher
	logger logger.Logger
	now    func() time.Time
}

// NewEngine 创建授权引擎
func NewEngine(repo *Repository, scorer *RiskScorer, auditPublisher audit.Publisher, log logger.Logger) *Engine {
	return &Engine{
		repo:   repo,
		scorer: scorer,
		audit:  auditPublisher,
		logger: log,
		now:    time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Authorize 评估一次访问请求
func (e *Engine) Authorize(ctx context.Context, req *Request) (*Result, error) {
	if req.UserID == uuid.Nil || req.ResourceType == "" || req.ResourceID == "" || req.Action == "" {
		return nil, ErrInvalidRequest
	}

	now := e.now()

	resource, err := e.repo.GetResource(ctx, req.ResourceType, req.ResourceID)
	if errors.Is(err, ErrNotFound) {
		return e.finish(ctx, req, e.deny(now, "资源不存在或不可用")), nil
	}
	if err != nil {
		return nil, err
	}
	if !resource.IsAccessible(now) {
		return e.finish(ctx, req, e.deny(now, "资源不存在或不可用")), nil
	}

	permissions, err := e.repo.collectEffectivePermissions(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	matched := e.match(req, resource, permissions)
	if matched == nil {
		return e.finish(ctx, req, e.deny(now, "无匹配权限")), nil
	}

	// 风险义务（MFA升级、人工审批、审计记录）作为附加标记回传，
	// 不改变准许判定，由调用方落实。
	risk := e.scorer.Score(req, resource)
	result := &Result{
		Decision:    DecisionGranted,
		Reason:      "权限匹配",
		Source:      matched.source,
		Permission:  matched.permission.Name,
		Scope:       matched.permission.Scope,
		Risk:        risk,
		EvaluatedAt: now,
	}

	return e.finish(ctx, req, result), nil
}

// HasPermission 用户是否对指定资源持有指定操作权限
func (e *Engine) HasPermission(ctx context.Context, req *Request) (bool, error) {
	result, err := e.Authorize(ctx, req)
	if err != nil {
		return false, err
	}
	// 权限本身成立即为真，风险义务另行处理
	return result.Decision != DecisionDenied, nil
}

// HasRole 用户是否持有指定角色
func (e *Engine) HasRole(ctx context.Context, userID uuid.UUID, roleName string) (bool, error) {
	return e.repo.HasRole(ctx, userID, roleName, e.now())
}

// EffectivePermissions 列出用户当前全部有效权限
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]EffectivePermissionView, error) {
	permissions, err := e.repo.collectEffectivePermissions(ctx, userID, e.now())
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	views := make([]EffectivePermissionView, 0, len(permissions))
	for _, ep := range permissions {
		if seen[ep.permission.ID] {
			continue
		}
		seen[ep.permission.ID] = true
		views = append(views, EffectivePermissionView{
			Name:         ep.permission.Name,
			ResourceType: ep.permission.ResourceType,
			Action:       ep.permission.Action,
			Scope:        ep.permission.Scope,
			Source:       ep.source,
		})
	}
	return views, nil
}

// match 返回首个同时满足类型、操作、作用域与属性约束的权限
func (e *Engine) match(req *Request, resource *models.Resource, permissions []effectivePermission) *effectivePermission {
	for i := range permissions {
		ep := &permissions[i]
		if !ep.permission.Matches(req.ResourceType, req.Action) {
			continue
		}
		if !e.scopeSatisfied(ep, req, resource) {
			continue
		}
		if !attributesSatisfied(ep.permission.Attributes, resource.Attributes) {
			continue
		}
		return ep
	}
	return nil
}

// scopeSatisfied 作用域约束检查
func (e *Engine) scopeSatisfied(ep *effectivePermission, req *Request, resource *models.Resource) bool {
	switch ep.permission.Scope {
	case models.ScopeGlobal:
		return true
	case models.ScopeTenant:
		return req.TenantID != uuid.Nil && req.TenantID == resource.TenantID
	case models.ScopeDepartment:
		return req.DepartmentID != "" && req.DepartmentID == resource.DepartmentID
	case models.ScopeProject:
		return req.ProjectID != "" && req.ProjectID == resource.ProjectID
	case models.ScopeInstance:
		// 实例级权限须在约束中点名具体资源
		target, ok := ep.constraints["resource_id"].(string)
		return ok && (target == resource.Identifier || target == resource.ID.String())
	case models.ScopeOwned:
		return resource.IsOwnedBy(req.UserID)
	case models.ScopeDelegated:
		return ep.source == SourceDelegated
	default:
		return false
	}
}

// attributesSatisfied 权限的ABAC属性约束须与资源属性全部相符
func attributesSatisfied(required, actual map[string]interface{}) bool {
	for key, expected := range required {
		if actual == nil {
			return false
		}
		if actual[key] != expected {
			return false
		}
	}
	return true
}

func (e *Engine) deny(now time.Time, reason string) *Result {
	return &Result{
		Decision:    DecisionDenied,
		Reason:      reason,
		EvaluatedAt: now,
	}
}

// finish 记录判定日志并按需发布审计事件
func (e *Engine) finish(ctx context.Context, req *Request, result *Result) *Result {
	fields := map[string]interface{}{
		"user_id":       req.UserID,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"action":        req.Action,
		"decision":      result.Decision,
	}
	if result.Risk != nil {
		fields["risk_score"] = result.Risk.Score
	}

	if result.Decision == DecisionDenied {
		e.logger.WithFields(fields).Warn("访问被拒绝")
	} else {
		e.logger.WithFields(fields).Debug("授权判定完成")
	}

	if result.Decision == DecisionDenied || (result.Risk != nil && result.Risk.RequiresAuditLogging) {
		e.audit.Publish(ctx, &audit.Event{
			Type:     audit.EventAuthzDecision,
			UserID:   req.UserID,
			TenantID: req.TenantID,
			ClientIP: req.Context.ClientIP,
			Details: map[string]interface{}{
				"resource_type": req.ResourceType,
				"resource_id":   req.ResourceID,
				"action":        req.Action,
				"decision":      result.Decision,
				"reason":        result.Reason,
			},
		})
	}
	return result
}
