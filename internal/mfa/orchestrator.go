package mfa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/internal/backupcode"
	"github.com/enterprise-platform/identity-security/internal/delivery"
	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/internal/webauthn"
	"github.com/enterprise-platform/identity-security/shared/auth"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

var (
	// ErrChallengeInvalid 挑战不存在、已消费、超限或已过期
	ErrChallengeInvalid = errors.New("挑战无效或已失效")
	// ErrDeviceIneligible 设备不可用于发起挑战
	ErrDeviceIneligible = errors.New("设备不可用")
)

// factorPreference 推荐方式的优先级，从高到低
var factorPreference = []models.MFAFactor{
	models.FactorWebAuthnPlatform,
	models.FactorWebAuthnCrossPlat,
	models.FactorTotp,
	models.FactorSms,
	models.FactorEmail,
}

// MFADecision 是否需要MFA的判定结果
type MFADecision struct {
	Required bool               `json:"required"`
	Reason   string             `json:"reason"`
	Methods  []models.MFAFactor `json:"methods,omitempty"`
}

// TOTPEnrollment TOTP注册材料，仅在注册时返回一次
type TOTPEnrollment struct {
	DeviceID        uuid.UUID `json:"device_id"`
	Secret          string    `json:"secret"`
	ProvisioningURI string    `json:"provisioning_uri"`
	QRCode          string    `json:"qr_code"` // PNG, base64
}

// ChallengeInfo 已签发挑战的客户端视图
type ChallengeInfo struct {
	ChallengeID     uuid.UUID                     `json:"challenge_id"`
	Factor          models.MFAFactor              `json:"factor"`
	ExpiresAt       time.Time                     `json:"expires_at"`
	MaskedRecipient string                        `json:"masked_recipient,omitempty"`
	Assertion       *protocol.CredentialAssertion `json:"assertion,omitempty"`
}

// IssueChallengeRequest 签发挑战请求
type IssueChallengeRequest struct {
	UserID    uuid.UUID
	DeviceID  uuid.UUID // 备用码挑战时为空
	Factor    models.MFAFactor
	SessionID string
	ClientIP  string
	UserAgent string
}

// VerifyChallengeRequest 验证挑战请求
type VerifyChallengeRequest struct {
	ChallengeID uuid.UUID
	UserID      uuid.UUID
	Response    string
	ClientIP    string
	UserAgent   string

	// 信任本设备，信任期内同指纹免除MFA
	RememberDevice    bool
	DeviceFingerprint string
	DeviceName        string
}

// VerifyChallengeResult 验证挑战成功结果
type VerifyChallengeResult struct {
	Token           string           `json:"token"`
	Method          models.MFAFactor `json:"method"`
	BackupRemaining *int             `json:"backup_remaining,omitempty"`
	RegenerateHint  bool             `json:"regenerate_hint,omitempty"`
}

// EnrollmentStatus 用户MFA注册状态
type EnrollmentStatus struct {
	Enrolled        bool                     `json:"enrolled"`
	DeviceCounts    map[models.MFAFactor]int `json:"device_counts"`
	BackupRemaining int                      `json:"backup_remaining"`
}

// Orchestrator MFA编排器
//
// 统一管理设备注册、挑战生命周期与受信任设备。
// 同一用户的挑战签发与验证串行执行。
type Orchestrator struct {
	cfg      config.MFAConfig
	repo     *Repository
	totp     *otp.TOTPManager
	sms      *delivery.SMSService
	email    *delivery.EmailService
	backup   *backupcode.Service
	webauthn *webauthn.Service
	tokens   *auth.TokenManager
	audit    audit.Publisher
	logger   logger.Logger

	verifiers map[models.MFAFactor]Verifier

	// 每用户每小时挑战签发上限
	challengeLimiter *ratelimit.SlidingWindowLimiter

	// 按用户分片的串行化锁
	locks [64]sync.Mutex

	now func() time.Time
}

// NewOrchestrator 创建MFA编排器
func NewOrchestrator(
	cfg config.MFAConfig,
	repo *Repository,
	totpManager *otp.TOTPManager,
	smsService *delivery.SMSService,
	emailService *delivery.EmailService,
	backupService *backupcode.Service,
	webauthnService *webauthn.Service,
	tokens *auth.TokenManager,
	auditPublisher audit.Publisher,
	log logger.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:              cfg,
		repo:             repo,
		totp:             totpManager,
		sms:              smsService,
		email:            emailService,
		backup:           backupService,
		webauthn:         webauthnService,
		tokens:           tokens,
		audit:            auditPublisher,
		logger:           log,
		challengeLimiter: ratelimit.NewSlidingWindowLimiter(cfg.ChallengeRateLimit, time.Hour),
		now:              time.Now,
	}

	o.verifiers = map[models.MFAFactor]Verifier{
		models.FactorTotp:              &totpVerifier{manager: totpManager, repo: repo, now: func() time.Time { return o.now() }},
		models.FactorSms:               &codeVerifier{},
		models.FactorEmail:             &codeVerifier{caseInsensitive: true},
		models.FactorBackupCodes:       &backupVerifier{service: backupService},
		models.FactorWebAuthnPlatform:  &webauthnVerifier{service: webauthnService},
		models.FactorWebAuthnCrossPlat: &webauthnVerifier{service: webauthnService},
	}
	return o
}

// WithClock 注入时钟（测试用）
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// userLock 返回指定用户所在分片的串行化锁
//
// 锁按固定分片取用，占用不随用户数增长，不同用户可能共享分片。
func (o *Orchestrator) userLock(userID uuid.UUID) *sync.Mutex {
	return &o.locks[int(userID[0])%len(o.locks)]
}

// RequiresMFA 判定本次登录是否需要第二因子
//
// 受信任设备在信任期内免除MFA。未注册任何因子的用户
// 默认放行，require_enrollment开启时则强制要求先注册。
func (o *Orchestrator) RequiresMFA(ctx context.Context, userID uuid.UUID, deviceFingerprint string) (*MFADecision, error) {
	now := o.now()

	if deviceFingerprint != "" {
		trusted, err := o.repo.GetTrustedDevice(ctx, userID, deviceFingerprint)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if trusted != nil && trusted.IsValid(now) {
			touched := now
			trusted.LastUsedAt = &touched
			if err := o.repo.SaveTrustedDevice(ctx, trusted); err != nil {
				o.logger.WithField("user_id", userID).Warnf("更新受信任设备使用时间失败: %v", err)
			}
			return &MFADecision{Required: false, Reason: "受信任设备在信任期内"}, nil
		}
	}

	methods, err := o.AvailableMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		if o.cfg.RequireEnrollment {
			return &MFADecision{Required: true, Reason: "用户尚未注册任何MFA因子，需先完成注册"}, nil
		}
		return &MFADecision{Required: false, Reason: "用户未注册MFA因子"}, nil
	}

	return &MFADecision{Required: true, Reason: "需要第二因子验证", Methods: methods}, nil
}

// AvailableMethods 列出用户当前可用的验证方式
func (o *Orchestrator) AvailableMethods(ctx context.Context, userID uuid.UUID) ([]models.MFAFactor, error) {
	devices, err := o.repo.ListEligibleDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[models.MFAFactor]bool)
	var methods []models.MFAFactor
	for i := range devices {
		if !seen[devices[i].Factor] {
			seen[devices[i].Factor] = true
			methods = append(methods, devices[i].Factor)
		}
	}

	// 备用码只有在用户已注册其他因子时才有意义
	if len(methods) > 0 {
		remaining, err := o.backup.RemainingCount(ctx, userID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			methods = append(methods, models.FactorBackupCodes)
		}
	}
	return methods, nil
}

// RecommendedMethod 返回推荐的验证方式，WebAuthn优先于TOTP，
// 短信和邮件排在最后。备用码永不作为推荐方式。
func (o *Orchestrator) RecommendedMethod(ctx context.Context, userID uuid.UUID) (models.MFAFactor, error) {
	methods, err := o.AvailableMethods(ctx, userID)
	if err != nil {
		return "", err
	}

	available := make(map[models.MFAFactor]bool, len(methods))
	for _, m := range methods {
		available[m] = true
	}
	for _, preferred := range factorPreference {
		if available[preferred] {
			return preferred, nil
		}
	}
	return "", fmt.Errorf("用户没有可推荐的验证方式")
}

// GetEnrollmentStatus 查询用户MFA注册状态
func (o *Orchestrator) GetEnrollmentStatus(ctx context.Context, userID uuid.UUID) (*EnrollmentStatus, error) {
	devices, err := o.repo.ListEligibleDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining, err := o.backup.RemainingCount(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts := make(map[models.MFAFactor]int)
	for i := range devices {
		counts[devices[i].Factor]++
	}
	return &EnrollmentStatus{
		Enrolled:        len(devices) > 0,
		DeviceCounts:    counts,
		BackupRemaining: remaining,
	}, nil
}

// EnrollTOTP 注册TOTP设备
//
// 设备以未验证状态落库，首次成功验证后转为已验证。
// 返回的密钥材料只此一次。
func (o *Orchestrator) EnrollTOTP(ctx context.Context, userID, tenantID uuid.UUID, deviceName, accountName string) (*TOTPEnrollment, error) {
	key, err := o.totp.GenerateKey(accountName)
	if err != nil {
		return nil, err
	}

	device := &models.MFADevice{
		UserID:     userID,
		TenantID:   tenantID,
		DeviceName: deviceName,
		Factor:     models.FactorTotp,
		Secret:     key.Secret,
		IsActive:   true,
	}
	if err := o.repo.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	qr, err := o.totp.QRCodePNG(key.ProvisioningURI, 256)
	if err != nil {
		return nil, err
	}

	o.publishAudit(ctx, audit.EventMFADeviceEnrolled, userID, tenantID, "", map[string]interface{}{
		"factor":    models.FactorTotp,
		"device_id": device.ID,
	})

	return &TOTPEnrollment{
		DeviceID:        device.ID,
		Secret:          key.Secret,
		ProvisioningURI: key.ProvisioningURI,
		QRCode:          base64.StdEncoding.EncodeToString(qr),
	}, nil
}

// EnrollSMS 注册短信设备
func (o *Orchestrator) EnrollSMS(ctx context.Context, userID, tenantID uuid.UUID, deviceName, phone string) (*models.MFADevice, error) {
	normalized, err := delivery.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	device := &models.MFADevice{
		UserID:     userID,
		TenantID:   tenantID,
		DeviceName: deviceName,
		Factor:     models.FactorSms,
		Phone:      normalized,
		IsActive:   true,
	}
	if err := o.repo.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	o.publishAudit(ctx, audit.EventMFADeviceEnrolled, userID, tenantID, "", map[string]interface{}{
		"factor":    models.FactorSms,
		"device_id": device.ID,
		"recipient": delivery.MaskPhone(normalized),
	})
	return device, nil
}

// EnrollEmail 注册邮件设备
func (o *Orchestrator) EnrollEmail(ctx context.Context, userID, tenantID uuid.UUID, deviceName, address string) (*models.MFADevice, error) {
	normalized, err := delivery.NormalizeEmail(address)
	if err != nil {
		return nil, err
	}

	device := &models.MFADevice{
		UserID:     userID,
		TenantID:   tenantID,
		DeviceName: deviceName,
		Factor:     models.FactorEmail,
		Email:      normalized,
		IsActive:   true,
	}
	if err := o.repo.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	o.publishAudit(ctx, audit.EventMFADeviceEnrolled, userID, tenantID, "", map[string]interface{}{
		"factor":    models.FactorEmail,
		"device_id": device.ID,
		"recipient": delivery.MaskEmail(normalized),
	})
	return device, nil
}

// ListDevices 列出用户设备
func (o *Orchestrator) ListDevices(ctx context.Context, userID uuid.UUID) ([]models.MFADevice, error) {
	return o.repo.ListDevices(ctx, userID)
}

// RemoveDevice 移除设备（软删除）并吊销全部受信任设备
//
// 移除第二因子是敏感操作，既有的信任关系随之失效。
func (o *Orchestrator) RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID, removedBy string) error {
	if err := o.repo.DeactivateDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	if _, err := o.repo.RevokeAllTrustedDevices(ctx, userID, o.now(), removedBy, "MFA设备已移除"); err != nil {
		return err
	}

	o.publishAudit(ctx, audit.EventMFADeviceRemoved, userID, uuid.Nil, "", map[string]interface{}{
		"device_id": deviceID,
	})
	return nil
}

// IssueChallenge 签发新挑战
//
// 同一(user, session)的未决挑战先整体作废再签发新挑战。
// 短信/邮件发送失败时挑战不落库，发送配额也不消耗。
func (o *Orchestrator) IssueChallenge(ctx context.Context, req *IssueChallengeRequest) (*ChallengeInfo, error) {
	lock := o.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	if !o.challengeLimiter.Allow(req.UserID.String()) {
		return nil, fmt.Errorf("%w: 挑战签发过于频繁", ratelimit.ErrRateLimited)
	}

	now := o.now()
	challenge := &models.MFAChallenge{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		IPAddress: req.ClientIP,
		UserAgent: req.UserAgent,
		ExpiresAt: now.Add(o.cfg.ChallengeValidity),
	}
	info := &ChallengeInfo{ExpiresAt: challenge.ExpiresAt}

	if req.Factor == models.FactorBackupCodes {
		remaining, err := o.backup.RemainingCount(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if remaining == 0 {
			return nil, fmt.Errorf("%w: 用户没有可用的备用码", ErrDeviceIneligible)
		}
		challenge.Factor = models.FactorBackupCodes
	} else {
		device, err := o.repo.GetDevice(ctx, req.UserID, req.DeviceID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrDeviceIneligible
		}
		if err != nil {
			return nil, err
		}
		// 未验证设备允许发起挑战用于完成注册确认，停用设备不允许
		if !device.IsActive {
			return nil, ErrDeviceIneligible
		}

		challenge.DeviceID = device.ID
		challenge.Factor = device.Factor

		switch device.Factor {
		case models.FactorSms:
			sent, err := o.sms.SendVerificationCode(ctx, device.Phone, req.ClientIP)
			if err != nil {
				return nil, err
			}
			challenge.ExpectedResponse = sent.Code
			info.MaskedRecipient = sent.MaskedRecipient
		case models.FactorEmail:
			sent, err := o.email.SendVerificationCode(ctx, device.Email, req.ClientIP)
			if err != nil {
				return nil, err
			}
			challenge.ExpectedResponse = sent.Code
			info.MaskedRecipient = sent.MaskedRecipient
		case models.FactorTotp:
			// 验证码由认证器本地生成，无需下发
		case models.FactorWebAuthnPlatform, models.FactorWebAuthnCrossPlat:
			assertion, err := o.webauthn.BeginLogin(ctx, req.UserID, req.UserID.String(), req.UserID.String())
			if err != nil {
				return nil, err
			}
			info.Assertion = assertion
		default:
			return nil, fmt.Errorf("不支持的因子类型: %s", device.Factor)
		}
	}

	if err := o.repo.InvalidatePendingChallenges(ctx, req.UserID, req.SessionID, now); err != nil {
		return nil, err
	}
	if err := o.repo.CreateChallenge(ctx, challenge); err != nil {
		return nil, err
	}
	o.challengeLimiter.Record(req.UserID.String())

	info.ChallengeID = challenge.ID
	info.Factor = challenge.Factor

	o.logger.WithFields(map[string]interface{}{
		"user_id":      req.UserID,
		"challenge_id": challenge.ID,
		"factor":       challenge.Factor,
	}).Info("MFA挑战已签发")

	o.publishAudit(ctx, audit.EventMFAChallengeIssued, req.UserID, uuid.Nil, req.ClientIP, map[string]interface{}{
		"challenge_id": challenge.ID,
		"factor":       challenge.Factor,
	})
	return info, nil
}

// VerifyChallenge 验证挑战响应
//
// 失败消耗尝试次数，成功后挑战进入已消费终态。
// 尝试超限、过期或已消费的挑战一律按无效处理。
func (o *Orchestrator) VerifyChallenge(ctx context.Context, req *VerifyChallengeRequest) (*VerifyChallengeResult, error) {
	lock := o.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	challenge, err := o.repo.GetChallenge(ctx, req.ChallengeID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrChallengeInvalid
	}
	if err != nil {
		return nil, err
	}

	now := o.now()
	if challenge.UserID != req.UserID || challenge.IsTerminal(now, o.cfg.MaxAttempts) {
		return nil, ErrChallengeInvalid
	}

	// 尝试计数先行推进，验证器异常也不回退
	challenge.AttemptCount++
	if err := o.repo.SaveChallenge(ctx, challenge); err != nil {
		return nil, err
	}

	var device *models.MFADevice
	if challenge.Factor != models.FactorBackupCodes {
		device, err = o.repo.GetDevice(ctx, challenge.UserID, challenge.DeviceID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrChallengeInvalid
		}
		if err != nil {
			return nil, err
		}
		if !device.IsActive {
			return nil, ErrDeviceIneligible
		}
	}

	verifier, ok := o.verifiers[challenge.Factor]
	if !ok {
		return nil, fmt.Errorf("不支持的因子类型: %s", challenge.Factor)
	}

	outcome, err := verifier.Verify(ctx, &VerifyInput{
		Challenge: challenge,
		Device:    device,
		Response:  req.Response,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		o.logger.WithFields(map[string]interface{}{
			"user_id":      req.UserID,
			"challenge_id": challenge.ID,
			"factor":       challenge.Factor,
			"attempt":      challenge.AttemptCount,
		}).Warn("MFA挑战验证失败")

		o.publishAudit(ctx, audit.EventMFAChallengeFailed, req.UserID, uuid.Nil, req.ClientIP, map[string]interface{}{
			"challenge_id": challenge.ID,
			"factor":       challenge.Factor,
			"attempt":      challenge.AttemptCount,
		})

		if errors.Is(err, ErrVerificationFailed) && challenge.AttemptCount >= o.cfg.MaxAttempts {
			return nil, ErrChallengeInvalid
		}
		return nil, err
	}

	challenge.MarkUsed(now)
	if err := o.repo.SaveChallenge(ctx, challenge); err != nil {
		return nil, err
	}

	if device != nil {
		touched := now
		device.LastUsedAt = &touched
		if !device.IsVerified {
			device.MarkVerified(now)
		}
		if err := o.repo.SaveDevice(ctx, device); err != nil {
			return nil, err
		}
	}

	if req.RememberDevice && req.DeviceFingerprint != "" {
		if err := o.trustDevice(ctx, req, now); err != nil {
			o.logger.WithField("user_id", req.UserID).Warnf("记录受信任设备失败: %v", err)
		}
	}

	token, err := o.tokens.GenerateMFAToken(req.UserID, challenge.SessionID, string(challenge.Factor))
	if err != nil {
		return nil, err
	}

	o.logger.WithFields(map[string]interface{}{
		"user_id":      req.UserID,
		"challenge_id": challenge.ID,
		"factor":       challenge.Factor,
	}).Info("MFA挑战验证成功")

	o.publishAudit(ctx, audit.EventMFAChallengeVerified, req.UserID, uuid.Nil, req.ClientIP, map[string]interface{}{
		"challenge_id": challenge.ID,
		"factor":       challenge.Factor,
	})

	return &VerifyChallengeResult{
		Token:           token,
		Method:          challenge.Factor,
		BackupRemaining: outcome.BackupRemaining,
		RegenerateHint:  outcome.RegenerateHint,
	}, nil
}

// trustDevice 登记受信任设备，已存在的同指纹记录顺延信任期
func (o *Orchestrator) trustDevice(ctx context.Context, req *VerifyChallengeRequest, now time.Time) error {
	expiresAt := now.AddDate(0, 0, o.cfg.TrustedDeviceDays)

	existing, err := o.repo.GetTrustedDevice(ctx, req.UserID, req.DeviceFingerprint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		existing.ExpiresAt = expiresAt
		touched := now
		existing.LastUsedAt = &touched
		return o.repo.SaveTrustedDevice(ctx, existing)
	}

	return o.repo.SaveTrustedDevice(ctx, &models.TrustedDevice{
		UserID:            req.UserID,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceName:        req.DeviceName,
		IPAddress:         req.ClientIP,
		UserAgent:         req.UserAgent,
		IsActive:          true,
		ExpiresAt:         expiresAt,
	})
}

// ListTrustedDevices 列出用户有效的受信任设备
func (o *Orchestrator) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]models.TrustedDevice, error) {
	return o.repo.ListTrustedDevices(ctx, userID, o.now())
}

// RevokeTrustedDevice 吊销单个受信任设备
func (o *Orchestrator) RevokeTrustedDevice(ctx context.Context, userID, deviceID uuid.UUID, revokedBy, reason string) error {
	if err := o.repo.RevokeTrustedDevice(ctx, userID, deviceID, o.now(), revokedBy, reason); err != nil {
		return err
	}
	o.publishAudit(ctx, audit.EventTrustedDeviceRevoked, userID, uuid.Nil, "", map[string]interface{}{
		"trusted_device_id": deviceID,
		"revoked_by":        revokedBy,
		"reason":            reason,
	})
	return nil
}

// RevokeAllTrustedDevices 吊销用户全部受信任设备
func (o *Orchestrator) RevokeAllTrustedDevices(ctx context.Context, userID uuid.UUID, revokedBy, reason string) (int64, error) {
	count, err := o.repo.RevokeAllTrustedDevices(ctx, userID, o.now(), revokedBy, reason)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		o.publishAudit(ctx, audit.EventTrustedDeviceRevoked, userID, uuid.Nil, "", map[string]interface{}{
			"revoked_by": revokedBy,
			"reason":     reason,
			"count":      count,
		})
	}
	return count, nil
}

// RegenerateBackupCodes 重新生成备用码并吊销旧批次
func (o *Orchestrator) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes, err := o.backup.GenerateCodes(ctx, userID, backupcode.DefaultCodeCount)
	if err != nil {
		return nil, err
	}
	o.publishAudit(ctx, audit.EventBackupCodesRotated, userID, uuid.Nil, "", map[string]interface{}{
		"count": len(codes),
	})
	return codes, nil
}

// Sweep 清理过期挑战与过期受信任设备
func (o *Orchestrator) Sweep(ctx context.Context) error {
	now := o.now()

	challenges, err := o.repo.DeleteExpiredChallenges(ctx, now)
	if err != nil {
		return err
	}
	trusted, err := o.repo.DeleteExpiredTrustedDevices(ctx, now)
	if err != nil {
		return err
	}
	o.challengeLimiter.Sweep()
	o.sms.SweepRateLimits()
	o.email.SweepRateLimits()

	if challenges > 0 || trusted > 0 {
		o.logger.WithFields(map[string]interface{}{
			"challenges":      challenges,
			"trusted_devices": trusted,
		}).Info("已清理过期MFA数据")
	}
	return nil
}

func (o *Orchestrator) publishAudit(ctx context.Context, eventType audit.EventType, userID, tenantID uuid.UUID, clientIP string, details map[string]interface{}) {
	o.audit.Publish(ctx, &audit.Event{
		Type:     eventType,
		UserID:   userID,
		TenantID: tenantID,
		ClientIP: clientIP,
		Details:  details,
	})
}
