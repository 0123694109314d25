package authz

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

func testAuthzConfig() config.AuthzConfig {
	return config.AuthzConfig{
		RiskWeights: config.RiskWeights{
			Classification: map[string]float64{
				"public": 0.0, "internal": 0.1, "confidential": 0.3, "restricted": 0.5, "top_secret": 0.7,
			},
			ResourceRisk: map[string]float64{
				"low": 0.0, "medium": 0.1, "high": 0.3, "critical": 0.5,
			},
			GeoMismatch: 0.2,
			Emergency:   0.3,
		},
		RiskThresholds: config.RiskThresholds{
			AuditLogging: 0.3,
			Approval:     0.7,
			MFA:          0.8,
		},
	}
}

type EngineTestSuite struct {
	suite.Suite
	db       *gorm.DB
	engine   *Engine
	userID   uuid.UUID
	tenantID uuid.UUID
	now      time.Time
}

func (s *EngineTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(
		&models.Permission{}, &models.Role{}, &models.RolePermissionAssignment{},
		&models.UserRoleAssignment{}, &models.UserPermissionGrant{},
		&models.Resource{}, &models.ServiceAccount{},
	))

	s.db = db
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.engine = NewEngine(NewRepository(db), NewRiskScorer(testAuthzConfig()), audit.NewNopPublisher(), logger.NewNop()).
		WithClock(func() time.Time { return s.now })
	s.userID = uuid.New()
	s.tenantID = uuid.New()
}

func (s *EngineTestSuite) createResource(mutate func(*models.Resource)) *models.Resource {
	resource := &models.Resource{
		ResourceType:   "document",
		Identifier:     uuid.New().String(),
		Name:           "季度报告",
		TenantID:       s.tenantID,
		Classification: models.ClassificationInternal,
		RiskLevel:      models.RiskLow,
		Status:         models.ResourceStatusActive,
	}
	if mutate != nil {
		mutate(resource)
	}
	s.Require().NoError(s.db.Create(resource).Error)
	return resource
}

func (s *EngineTestSuite) createPermission(name string, scope models.PermissionScope, resourceType, action string, mutate func(*models.Permission)) *models.Permission {
	perm := &models.Permission{
		Name:         name,
		Type:         models.PermissionTypeResource,
		Scope:        scope,
		Status:       models.PermissionStatusActive,
		ResourceType: resourceType,
		Action:       action,
	}
	if mutate != nil {
		mutate(perm)
	}
	s.Require().NoError(s.db.Create(perm).Error)
	return perm
}

func (s *EngineTestSuite) grantDirect(userID uuid.UUID, perm *models.Permission, constraints datatypes.JSONMap) *models.UserPermissionGrant {
	grant := &models.UserPermissionGrant{
		UserID:       userID,
		PermissionID: perm.ID,
		IsActive:     true,
		Constraints:  constraints,
	}
	s.Require().NoError(s.db.Create(grant).Error)
	return grant
}

func (s *EngineTestSuite) grantViaRole(userID uuid.UUID, roleName string, perm *models.Permission) *models.Role {
	role := &models.Role{TenantID: s.tenantID, Name: roleName, Status: models.RoleStatusActive}
	s.Require().NoError(s.db.Create(role).Error)
	s.Require().NoError(s.db.Create(&models.RolePermissionAssignment{
		RoleID: role.ID, PermissionID: perm.ID, IsActive: true,
	}).Error)
	s.Require().NoError(s.db.Create(&models.UserRoleAssignment{
		UserID: userID, RoleID: role.ID, IsActive: true,
	}).Error)
	return role
}

func (s *EngineTestSuite) request(resource *models.Resource, action string) *Request {
	return &Request{
		UserID:       s.userID,
		TenantID:     s.tenantID,
		ResourceType: resource.ResourceType,
		ResourceID:   resource.Identifier,
		Action:       action,
	}
}

func (s *EngineTestSuite) TestAuthorize_DirectGrant() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.Equal(SourceDirect, result.Source)
	s.Equal("document:read", result.Permission)
	s.True(result.Allowed())
}

func (s *EngineTestSuite) TestAuthorize_RolePermission() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantViaRole(s.userID, "文档阅读者", perm)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.Equal(SourceRole, result.Source)
}

func (s *EngineTestSuite) TestAuthorize_NoMatchingPermission() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "delete"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
	s.Equal("无匹配权限", result.Reason)
}

func (s *EngineTestSuite) TestAuthorize_ResourceUnavailable() {
	perm := s.createPermission("document:read", models.ScopeGlobal, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	inactive := s.createResource(func(r *models.Resource) { r.Status = models.ResourceStatusQuarantined })
	result, err := s.engine.Authorize(context.Background(), s.request(inactive, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)

	// 不存在的资源返回同一拒绝理由，不暴露存在性
	missing := &Request{
		UserID: s.userID, TenantID: s.tenantID,
		ResourceType: "document", ResourceID: "no-such-id", Action: "read",
	}
	missingResult, err := s.engine.Authorize(context.Background(), missing)
	s.Require().NoError(err)
	s.Equal(DecisionDenied, missingResult.Decision)
	s.Equal(result.Reason, missingResult.Reason)
}

func (s *EngineTestSuite) TestAuthorize_ExpiredResource() {
	expired := s.now.Add(-time.Hour)
	resource := s.createResource(func(r *models.Resource) { r.ExpiresAt = &expired })
	perm := s.createPermission("document:read", models.ScopeGlobal, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_WildcardPermission() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:admin", models.ScopeTenant, "document", "*", nil)
	s.grantDirect(s.userID, perm, nil)

	for _, action := range []string{"read", "write", "delete"} {
		result, err := s.engine.Authorize(context.Background(), s.request(resource, action))
		s.Require().NoError(err)
		s.Equal(DecisionGranted, result.Decision, "操作 %s 应被通配权限覆盖", action)
	}
}

func (s *EngineTestSuite) TestAuthorize_TenantScopeMismatch() {
	resource := s.createResource(func(r *models.Resource) { r.TenantID = uuid.New() })
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_OwnedScope() {
	perm := s.createPermission("document:manage-own", models.ScopeOwned, "document", "write", nil)
	s.grantDirect(s.userID, perm, nil)

	owned := s.createResource(func(r *models.Resource) { r.OwnerID = s.userID })
	result, err := s.engine.Authorize(context.Background(), s.request(owned, "write"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)

	// 他人的资源不在owned作用域内
	foreign := s.createResource(func(r *models.Resource) { r.OwnerID = uuid.New() })
	result, err = s.engine.Authorize(context.Background(), s.request(foreign, "write"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_InstanceScope() {
	resource := s.createResource(nil)
	other := s.createResource(nil)
	perm := s.createPermission("document:read-one", models.ScopeInstance, "document", "read", nil)
	s.grantDirect(s.userID, perm, datatypes.JSONMap{"resource_id": resource.Identifier})

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)

	result, err = s.engine.Authorize(context.Background(), s.request(other, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_DelegatedSource() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:review", models.ScopeDelegated, "document", "review", nil)
	s.grantDirect(s.userID, perm, datatypes.JSONMap{"delegated_by": uuid.New().String()})

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "review"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.Equal(SourceDelegated, result.Source)
}

func (s *EngineTestSuite) TestAuthorize_ExpiredRoleAssignment() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	role := s.grantViaRole(s.userID, "文档阅读者", perm)

	expired := s.now.Add(-time.Hour)
	s.Require().NoError(s.db.Model(&models.UserRoleAssignment{}).
		Where("user_id = ? AND role_id = ?", s.userID, role.ID).
		Update("expires_at", expired).Error)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_ExpiredDirectGrant() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	grant := s.grantDirect(s.userID, perm, nil)

	expired := s.now.Add(-time.Minute)
	s.Require().NoError(s.db.Model(grant).Update("expires_at", expired).Error)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_InactivePermission() {
	resource := s.createResource(nil)
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read",
		func(p *models.Permission) { p.Status = models.PermissionStatusSuspended })
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *EngineTestSuite) TestAuthorize_AttributeConstraints() {
	resource := s.createResource(func(r *models.Resource) {
		r.Attributes = datatypes.JSONMap{"environment": "production"}
	})
	perm := s.createPermission("document:read-staging", models.ScopeTenant, "document", "read",
		func(p *models.Permission) {
			p.Attributes = datatypes.JSONMap{"environment": "staging"}
		})
	s.grantDirect(s.userID, perm, nil)

	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision, "ABAC属性不符时拒绝")
}

func (s *EngineTestSuite) TestAuthorize_RiskGrading() {
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	// 机密资源：0.3，仅触发审计义务
	confidential := s.createResource(func(r *models.Resource) {
		r.Classification = models.ClassificationConfidential
	})
	result, err := s.engine.Authorize(context.Background(), s.request(confidential, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.Require().NotNil(result.Risk)
	s.InDelta(0.3, result.Risk.Score, 1e-9)
	s.True(result.Risk.RequiresAuditLogging)
	s.False(result.Risk.RequiresApproval)

	// 机密+高风险+跨地域：0.3+0.3+0.2=0.8，准许但附带MFA与审批义务
	sensitive := s.createResource(func(r *models.Resource) {
		r.Classification = models.ClassificationConfidential
		r.RiskLevel = models.RiskHigh
		r.DataResidencyRegion = "cn-north"
	})
	req := s.request(sensitive, "read")
	req.Context.GeoRegion = "eu-west"
	result, err = s.engine.Authorize(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision, "风险义务不改变准许判定")
	s.InDelta(0.8, result.Risk.Score, 1e-9)
	s.True(result.Risk.RequiresAuditLogging)
	s.True(result.Risk.RequiresApproval)
	s.True(result.Risk.RequiresMFA)
}

func (s *EngineTestSuite) TestAuthorize_EmergencyAccessRaisesRisk() {
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantDirect(s.userID, perm, nil)

	resource := s.createResource(func(r *models.Resource) {
		r.Classification = models.ClassificationRestricted
	})

	// 常规访问：0.5，只触发审计
	result, err := s.engine.Authorize(context.Background(), s.request(resource, "read"))
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.True(result.Risk.RequiresAuditLogging)

	// 紧急通道：0.5+0.3=0.8，抬升风险但不绕过也不降级判定
	req := s.request(resource, "read")
	req.Context.Emergency = true
	result, err = s.engine.Authorize(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
	s.InDelta(0.8, result.Risk.Score, 1e-9)
	s.True(result.Risk.RequiresApproval)
	s.True(result.Risk.RequiresMFA)
}

func (s *EngineTestSuite) TestHasRole() {
	perm := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	s.grantViaRole(s.userID, "安全管理员", perm)

	has, err := s.engine.HasRole(context.Background(), s.userID, "安全管理员")
	s.Require().NoError(err)
	s.True(has)

	has, err = s.engine.HasRole(context.Background(), s.userID, "审计员")
	s.Require().NoError(err)
	s.False(has)
}

func (s *EngineTestSuite) TestEffectivePermissions() {
	perm1 := s.createPermission("document:read", models.ScopeTenant, "document", "read", nil)
	perm2 := s.createPermission("document:write", models.ScopeTenant, "document", "write", nil)
	s.grantDirect(s.userID, perm1, nil)
	s.grantViaRole(s.userID, "编辑", perm2)
	// 同一权限经两条途径到达时只出现一次
	s.grantViaRole(s.userID, "阅读者", perm1)

	views, err := s.engine.EffectivePermissions(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Len(views, 2)

	names := map[string]PermissionSource{}
	for _, v := range views {
		names[v.Name] = v.Source
	}
	s.Equal(SourceDirect, names["document:read"], "直授来源优先")
	s.Equal(SourceRole, names["document:write"])
}

func (s *EngineTestSuite) TestAuthorize_IncompleteRequest() {
	resource := s.createResource(nil)

	req := s.request(resource, "read")
	req.Action = ""
	_, err := s.engine.Authorize(context.Background(), req)
	s.ErrorIs(err, ErrInvalidRequest)

	req = s.request(resource, "read")
	req.UserID = uuid.Nil
	_, err = s.engine.Authorize(context.Background(), req)
	s.ErrorIs(err, ErrInvalidRequest)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
