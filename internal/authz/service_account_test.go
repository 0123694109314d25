package authz

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

type ServiceAccountTestSuite struct {
	suite.Suite
	db       *gorm.DB
	manager  *ServiceAccountManager
	ownerID  uuid.UUID
	tenantID uuid.UUID
	now      time.Time
}

func (s *ServiceAccountTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(
		&models.Permission{}, &models.Role{}, &models.RolePermissionAssignment{},
		&models.UserRoleAssignment{}, &models.UserPermissionGrant{},
		&models.Resource{}, &models.ServiceAccount{},
	))

	s.db = db
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db)
	engine := NewEngine(repo, NewRiskScorer(testAuthzConfig()), audit.NewNopPublisher(), logger.NewNop()).
		WithClock(func() time.Time { return s.now })
	s.manager = NewServiceAccountManager(repo, engine, audit.NewNopPublisher(), logger.NewNop()).
		WithClock(func() time.Time { return s.now })
	s.ownerID = uuid.New()
	s.tenantID = uuid.New()
}

func (s *ServiceAccountTestSuite) createAccount(mutate func(*models.ServiceAccount)) *models.ServiceAccount {
	account := &models.ServiceAccount{
		ServiceName: "report-service",
		TenantID:    s.tenantID,
		OwnerUserID: s.ownerID,
		IsActive:    true,
	}
	if mutate != nil {
		mutate(account)
	}
	created, err := s.manager.Create(context.Background(), account)
	s.Require().NoError(err)
	return created
}

func (s *ServiceAccountTestSuite) TestCreate_ReturnsPlaintextOnce() {
	account := s.createAccount(nil)

	s.True(strings.HasPrefix(account.PlainAPIKey, "esk_"))
	s.NotEmpty(account.APIKeyHash)
	s.NotContains(account.APIKeyHash, account.PlainAPIKey)

	// 落库的记录不带明文
	var stored models.ServiceAccount
	s.Require().NoError(s.db.Where("service_name = ?", "report-service").First(&stored).Error)
	s.Empty(stored.PlainAPIKey)
}

func (s *ServiceAccountTestSuite) TestValidateCredential() {
	account := s.createAccount(nil)

	got, err := s.manager.ValidateCredential(context.Background(), "report-service", account.PlainAPIKey)
	s.Require().NoError(err)
	s.Equal(account.ID, got.ID)

	_, err = s.manager.ValidateCredential(context.Background(), "report-service", "esk_wrong")
	s.ErrorIs(err, ErrServiceCredential)

	// 账号不存在与密钥错误返回同一错误
	_, err = s.manager.ValidateCredential(context.Background(), "ghost-service", account.PlainAPIKey)
	s.ErrorIs(err, ErrServiceCredential)
}

func (s *ServiceAccountTestSuite) TestValidateCredential_ExpiredAndDisabled() {
	expired := s.now.Add(-time.Hour)
	account := s.createAccount(func(a *models.ServiceAccount) { a.ExpiresAt = &expired })

	_, err := s.manager.ValidateCredential(context.Background(), "report-service", account.PlainAPIKey)
	s.ErrorIs(err, ErrServiceCredential)

	active := s.createAccount(func(a *models.ServiceAccount) { a.ServiceName = "batch-service"; a.ExpiresAt = nil })
	s.Require().NoError(s.manager.Disable(context.Background(), "batch-service", "admin"))
	_, err = s.manager.ValidateCredential(context.Background(), "batch-service", active.PlainAPIKey)
	s.ErrorIs(err, ErrServiceCredential)
}

func (s *ServiceAccountTestSuite) TestRotateAPIKey() {
	account := s.createAccount(nil)
	oldKey := account.PlainAPIKey

	rotated, err := s.manager.RotateAPIKey(context.Background(), "report-service", "admin")
	s.Require().NoError(err)
	s.NotEqual(oldKey, rotated.PlainAPIKey)
	s.NotNil(rotated.LastRotatedAt)
	s.Equal("admin", rotated.LastRotatedBy)

	// 旧密钥立即失效，新密钥可用
	_, err = s.manager.ValidateCredential(context.Background(), "report-service", oldKey)
	s.ErrorIs(err, ErrServiceCredential)
	_, err = s.manager.ValidateCredential(context.Background(), "report-service", rotated.PlainAPIKey)
	s.NoError(err)
}

func (s *ServiceAccountTestSuite) seedOwnerPermission() *models.Resource {
	resource := &models.Resource{
		ResourceType:   "report",
		Identifier:     "monthly-report",
		TenantID:       s.tenantID,
		Classification: models.ClassificationInternal,
		RiskLevel:      models.RiskLow,
		Status:         models.ResourceStatusActive,
	}
	s.Require().NoError(s.db.Create(resource).Error)

	perm := &models.Permission{
		Name: "report:read", Type: models.PermissionTypeApi,
		Scope: models.ScopeTenant, Status: models.PermissionStatusActive,
		ResourceType: "report", Action: "read",
	}
	s.Require().NoError(s.db.Create(perm).Error)
	s.Require().NoError(s.db.Create(&models.UserPermissionGrant{
		UserID: s.ownerID, PermissionID: perm.ID, IsActive: true,
	}).Error)
	return resource
}

func (s *ServiceAccountTestSuite) TestAuthorize_DelegatesToEngine() {
	s.seedOwnerPermission()
	account := s.createAccount(func(a *models.ServiceAccount) {
		a.AllowedServices = datatypes.JSONSlice[string]{"identity-service"}
		a.AllowedIPs = datatypes.JSONSlice[string]{"10.1.0.5"}
	})

	result, err := s.manager.Authorize(context.Background(), &ServiceRequest{
		ServiceName: "report-service", APIKey: account.PlainAPIKey,
		TargetService: "identity-service", ClientIP: "10.1.0.5",
		ResourceType: "report", ResourceID: "monthly-report", Action: "read",
	})
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)
}

func (s *ServiceAccountTestSuite) TestAuthorize_PreChecks() {
	s.seedOwnerPermission()
	account := s.createAccount(func(a *models.ServiceAccount) {
		a.AllowedServices = datatypes.JSONSlice[string]{"identity-service"}
		a.AllowedIPs = datatypes.JSONSlice[string]{"10.1.0.5"}
	})

	// 错误密钥
	result, err := s.manager.Authorize(context.Background(), &ServiceRequest{
		ServiceName: "report-service", APIKey: "esk_bad",
		TargetService: "identity-service", ClientIP: "10.1.0.5",
		ResourceType: "report", ResourceID: "monthly-report", Action: "read",
	})
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)

	// 目标服务越界
	result, err = s.manager.Authorize(context.Background(), &ServiceRequest{
		ServiceName: "report-service", APIKey: account.PlainAPIKey,
		TargetService: "billing-service", ClientIP: "10.1.0.5",
		ResourceType: "report", ResourceID: "monthly-report", Action: "read",
	})
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)

	// 来源IP不在白名单
	result, err = s.manager.Authorize(context.Background(), &ServiceRequest{
		ServiceName: "report-service", APIKey: account.PlainAPIKey,
		TargetService: "identity-service", ClientIP: "203.0.113.1",
		ResourceType: "report", ResourceID: "monthly-report", Action: "read",
	})
	s.Require().NoError(err)
	s.Equal(DecisionDenied, result.Decision)
}

func (s *ServiceAccountTestSuite) TestAuthorize_PerAccountQuota() {
	s.seedOwnerPermission()
	account := s.createAccount(func(a *models.ServiceAccount) {
		a.RequestsPerMinute = 2
		a.RequestsPerHour = 3
	})
	req := &ServiceRequest{
		ServiceName: "report-service", APIKey: account.PlainAPIKey,
		TargetService: "identity-service", ClientIP: "10.1.0.5",
		ResourceType: "report", ResourceID: "monthly-report", Action: "read",
	}

	for i := 0; i < 2; i++ {
		result, err := s.manager.Authorize(context.Background(), req)
		s.Require().NoError(err)
		s.Equal(DecisionGranted, result.Decision)
	}

	_, err := s.manager.Authorize(context.Background(), req)
	s.ErrorIs(err, ratelimit.ErrRateLimited)

	// 分钟窗口滚动后放行，但小时配额继续累计
	s.now = s.now.Add(2 * time.Minute)
	result, err := s.manager.Authorize(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(DecisionGranted, result.Decision)

	_, err = s.manager.Authorize(context.Background(), req)
	s.ErrorIs(err, ratelimit.ErrRateLimited)
}

func (s *ServiceAccountTestSuite) TestMaskAPIKey() {
	s.Equal("***WXYZ", MaskAPIKey("esk_ABCDWXYZ"))
	s.Equal("***", MaskAPIKey("abc"))
}

func TestServiceAccountTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceAccountTestSuite))
}
