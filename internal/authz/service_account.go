package authz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

// apiKeyPrefix 服务API密钥前缀，便于在泄露扫描中识别
const apiKeyPrefix = "esk_"

// ErrServiceCredential 服务账号凭证无效
//
// 账号不存在、密钥不匹配、账号停用或过期统一折叠为本错误，
// 不向调用方泄露具体原因。
var ErrServiceCredential = errors.New("服务账号凭证无效")

// ServiceRequest 服务间调用的授权请求
type ServiceRequest struct {
	ServiceName   string `json:"service_name"`
	APIKey        string `json:"-"`
	TargetService string `json:"target_service"`
	ClientIP      string `json:"client_ip"`

	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
}

// ServiceAccountManager 服务账号与API密钥生命周期管理
type ServiceAccountManager struct {
	repo   *Repository
	engine *Engine
	audit  audit.Publisher
	logger logger.Logger

	// 每账号调用配额，上限取自账号记录
	minuteLimiter *ratelimit.SlidingWindowLimiter
	hourLimiter   *ratelimit.SlidingWindowLimiter

	now func() time.Time
}

// NewServiceAccountManager 创建服务账号管理器
func NewServiceAccountManager(repo *Repository, engine *Engine, auditPublisher audit.Publisher, log logger.Logger) *ServiceAccountManager {
	return &ServiceAccountManager{
		repo:          repo,
		engine:        engine,
		audit:         auditPublisher,
		logger:        log,
		minuteLimiter: ratelimit.NewSlidingWindowLimiter(0, time.Minute),
		hourLimiter:   ratelimit.NewSlidingWindowLimiter(0, time.Hour),
		now:           time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (m *ServiceAccountManager) WithClock(now func() time.Time) *ServiceAccountManager {
	m.now = now
	m.minuteLimiter.WithClock(now)
	m.hourLimiter.WithClock(now)
	return m
}

// generateAPIKey 生成256位随机API密钥
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成API密钥失败: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// MaskAPIKey 遮蔽API密钥，仅保留末4位
func MaskAPIKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}

// Create 创建服务账号，明文密钥只在返回值中出现一次
func (m *ServiceAccountManager) Create(ctx context.Context, account *models.ServiceAccount) (*models.ServiceAccount, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("哈希API密钥失败: %w", err)
	}

	account.APIKeyHash = string(hash)
	if err := m.repo.CreateServiceAccount(ctx, account); err != nil {
		return nil, err
	}
	account.PlainAPIKey = key

	m.logger.WithFields(map[string]interface{}{
		"service_name": account.ServiceName,
		"api_key":      MaskAPIKey(key),
	}).Info("服务账号已创建")
	return account, nil
}

// RotateAPIKey 轮换API密钥，旧密钥立即失效
func (m *ServiceAccountManager) RotateAPIKey(ctx context.Context, serviceName, rotatedBy string) (*models.ServiceAccount, error) {
	account, err := m.repo.GetServiceAccount(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("哈希API密钥失败: %w", err)
	}

	now := m.now()
	account.APIKeyHash = string(hash)
	account.LastRotatedAt = &now
	account.LastRotatedBy = rotatedBy
	if err := m.repo.SaveServiceAccount(ctx, account); err != nil {
		return nil, err
	}
	account.PlainAPIKey = key

	m.logger.WithFields(map[string]interface{}{
		"service_name": serviceName,
		"rotated_by":   rotatedBy,
		"api_key":      MaskAPIKey(key),
	}).Info("服务账号API密钥已轮换")

	m.audit.Publish(ctx, &audit.Event{
		Type:     audit.EventAPIKeyRotated,
		UserID:   account.OwnerUserID,
		TenantID: account.TenantID,
		Details: map[string]interface{}{
			"service_name": serviceName,
			"rotated_by":   rotatedBy,
		},
	})
	return account, nil
}

// Disable 停用服务账号
func (m *ServiceAccountManager) Disable(ctx context.Context, serviceName, disabledBy string) error {
	account, err := m.repo.GetServiceAccount(ctx, serviceName)
	if err != nil {
		return err
	}

	now := m.now()
	account.IsActive = false
	account.DisabledAt = &now
	account.DisabledBy = disabledBy
	if err := m.repo.SaveServiceAccount(ctx, account); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"service_name": serviceName,
		"disabled_by":  disabledBy,
	}).Warn("服务账号已停用")
	return nil
}

// ValidateCredential 校验服务账号凭证
func (m *ServiceAccountManager) ValidateCredential(ctx context.Context, serviceName, apiKey string) (*models.ServiceAccount, error) {
	account, err := m.repo.GetServiceAccount(ctx, serviceName)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrServiceCredential
	}
	if err != nil {
		return nil, err
	}

	if !account.IsUsable(m.now()) {
		return nil, ErrServiceCredential
	}
	if bcrypt.CompareHashAndPassword([]byte(account.APIKeyHash), []byte(apiKey)) != nil {
		m.logger.WithField("service_name", serviceName).Warn("服务账号API密钥不匹配")
		return nil, ErrServiceCredential
	}
	return account, nil
}

// Authorize 服务间调用授权
//
// 凭证、目标服务与调用方IP的前置检查全部通过后，
// 以服务账号负责人身份走常规授权评估。
func (m *ServiceAccountManager) Authorize(ctx context.Context, req *ServiceRequest) (*Result, error) {
	now := m.now()

	account, err := m.ValidateCredential(ctx, req.ServiceName, req.APIKey)
	if errors.Is(err, ErrServiceCredential) {
		return &Result{Decision: DecisionDenied, Reason: ErrServiceCredential.Error(), EvaluatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	if !m.minuteLimiter.WithinLimit(account.ServiceName, account.RequestsPerMinute) ||
		!m.hourLimiter.WithinLimit(account.ServiceName, account.RequestsPerHour) {
		m.logger.WithField("service_name", req.ServiceName).Warn("服务账号调用超出配额")
		return nil, ratelimit.ErrRateLimited
	}
	m.minuteLimiter.Record(account.ServiceName)
	m.hourLimiter.Record(account.ServiceName)

	if !account.IsServiceAllowed(req.TargetService) {
		m.logger.WithFields(map[string]interface{}{
			"service_name":   req.ServiceName,
			"target_service": req.TargetService,
		}).Warn("服务账号调用了未授权的目标服务")
		return &Result{Decision: DecisionDenied, Reason: "目标服务不在允许清单内", EvaluatedAt: now}, nil
	}
	if !account.IsIPAllowed(req.ClientIP) {
		m.logger.WithFields(map[string]interface{}{
			"service_name": req.ServiceName,
			"client_ip":    req.ClientIP,
		}).Warn("服务账号来源IP不在白名单内")
		return &Result{Decision: DecisionDenied, Reason: "来源IP不在白名单内", EvaluatedAt: now}, nil
	}

	if err := m.repo.TouchServiceAccount(ctx, account.ID, now); err != nil {
		m.logger.WithField("service_name", req.ServiceName).Warnf("更新服务账号使用时间失败: %v", err)
	}

	// 服务调用视为已通过强认证
	return m.engine.Authorize(ctx, &Request{
		UserID:       account.OwnerUserID,
		TenantID:     account.TenantID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Context: RequestContext{
			ClientIP:     req.ClientIP,
			MFACompleted: true,
		},
	})
}
