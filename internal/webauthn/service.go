package webauthn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

var (
	// ErrNoCredentials 用户没有可用的WebAuthn凭证
	ErrNoCredentials = errors.New("用户没有可用的WebAuthn凭证")
	// ErrCloneDetected 签名计数器未递增，凭证疑似被克隆
	ErrCloneDetected = errors.New("检测到凭证重放或克隆")
)

// ceremonyUser go-webauthn仪式所需的用户视图
type ceremonyUser struct {
	id          uuid.UUID
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.id[:] }
func (u *ceremonyUser) WebAuthnName() string                       { return u.name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// Service WebAuthn注册与认证仪式服务
//
// 挑战由底层库生成（32字节随机值），会话经SessionStore
// 以TTL约束存续，完成仪式时一次性取出。
type Service struct {
	wa         *webauthn.WebAuthn
	store      SessionStore
	db         *gorm.DB
	sessionTTL time.Duration
	logger     logger.Logger
}

// NewService 创建WebAuthn服务
func NewService(cfg config.WebAuthnConfig, store SessionStore, db *gorm.DB, log logger.Logger) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化WebAuthn失败: %w", err)
	}

	return &Service{
		wa:         wa,
		store:      store,
		db:         db,
		sessionTTL: cfg.SessionTTL,
		logger:     log,
	}, nil
}

func registrationKey(userID uuid.UUID) string { return "reg:" + userID.String() }
func loginKey(userID uuid.UUID) string        { return "login:" + userID.String() }

// loadUser 组装仪式用户及其现有凭证
func (s *Service) loadUser(ctx context.Context, userID uuid.UUID, username, displayName string) (*ceremonyUser, error) {
	var devices []models.MFADevice
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND factor IN ?", userID, true,
			[]models.MFAFactor{models.FactorWebAuthnPlatform, models.FactorWebAuthnCrossPlat}).
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("查询WebAuthn设备失败: %w", err)
	}

	user := &ceremonyUser{id: userID, name: username, displayName: displayName}
	for i := range devices {
		cred, err := credentialFromDevice(&devices[i])
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"user_id":   userID,
				"device_id": devices[i].ID,
			}).Warn("跳过无法解码的WebAuthn凭证")
			continue
		}
		user.credentials = append(user.credentials, cred)
	}
	return user, nil
}

// credentialFromDevice 从设备记录还原库凭证
func credentialFromDevice(d *models.MFADevice) (webauthn.Credential, error) {
	credID, err := base64.RawURLEncoding.DecodeString(d.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("解码凭证ID失败: %w", err)
	}
	publicKey, err := base64.StdEncoding.DecodeString(d.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("解码凭证公钥失败: %w", err)
	}
	return webauthn.Credential{
		ID:        credID,
		PublicKey: publicKey,
		Authenticator: webauthn.Authenticator{
			SignCount: d.SignatureCount,
		},
	}, nil
}

// BeginRegistration 开始凭证注册仪式
func (s *Service) BeginRegistration(ctx context.Context, userID uuid.UUID, username, displayName string, factor models.MFAFactor) (*protocol.CredentialCreation, error) {
	if !factor.IsWebAuthn() {
		return nil, fmt.Errorf("因子类型 %s 不支持WebAuthn注册", factor)
	}

	user, err := s.loadUser(ctx, userID, username, displayName)
	if err != nil {
		return nil, err
	}

	attachment := protocol.CrossPlatform
	if factor == models.FactorWebAuthnPlatform {
		attachment = protocol.Platform
	}

	// 已注册凭证进入排除列表，防止同一认证器重复注册
	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, cred := range user.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}

	creation, session, err := s.wa.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: attachment,
			UserVerification:        protocol.VerificationPreferred,
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, fmt.Errorf("开始WebAuthn注册失败: %w", err)
	}

	if err := s.store.Save(ctx, registrationKey(userID), session, s.sessionTTL); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration 完成凭证注册并持久化设备
//
// 注册仪式本身证明了认证器归属，设备直接落为已验证状态。
func (s *Service) FinishRegistration(ctx context.Context, userID uuid.UUID, username, displayName, deviceName string, factor models.MFAFactor, tenantID uuid.UUID, response io.Reader) (*models.MFADevice, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		return nil, fmt.Errorf("解析注册响应失败: %w", err)
	}

	session, err := s.store.Take(ctx, registrationKey(userID))
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, userID, username, displayName)
	if err != nil {
		return nil, err
	}

	credential, err := s.wa.CreateCredential(user, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("校验注册凭证失败: %w", err)
	}

	now := time.Now()
	device := &models.MFADevice{
		UserID:         userID,
		TenantID:       tenantID,
		DeviceName:     deviceName,
		Factor:         factor,
		CredentialID:   base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:      base64.StdEncoding.EncodeToString(credential.PublicKey),
		SignatureCount: credential.Authenticator.SignCount,
		IsVerified:     true,
		IsActive:       true,
		VerifiedAt:     &now,
	}
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return nil, fmt.Errorf("保存WebAuthn设备失败: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": device.ID,
		"factor":    factor,
	}).Info("WebAuthn凭证注册成功")

	return device, nil
}

// BeginLogin 开始认证仪式
func (s *Service) BeginLogin(ctx context.Context, userID uuid.UUID, username, displayName string) (*protocol.CredentialAssertion, error) {
	user, err := s.loadUser(ctx, userID, username, displayName)
	if err != nil {
		return nil, err
	}
	if len(user.credentials) == 0 {
		return nil, ErrNoCredentials
	}

	assertion, session, err := s.wa.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("开始WebAuthn认证失败: %w", err)
	}

	if err := s.store.Save(ctx, loginKey(userID), session, s.sessionTTL); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin 完成认证仪式
//
// 签名计数器必须严格递增。计数器回退或持平（双方均非零时）
// 说明凭证可能被克隆，认证被拒绝且设备保持原状态。
func (s *Service) FinishLogin(ctx context.Context, userID uuid.UUID, username, displayName string, response io.Reader) (*models.MFADevice, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		return nil, fmt.Errorf("解析认证响应失败: %w", err)
	}

	session, err := s.store.Take(ctx, loginKey(userID))
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, userID, username, displayName)
	if err != nil {
		return nil, err
	}
	if len(user.credentials) == 0 {
		return nil, ErrNoCredentials
	}

	credential, err := s.wa.ValidateLogin(user, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("校验认证凭证失败: %w", err)
	}

	if credential.Authenticator.CloneWarning {
		s.logger.WithField("user_id", userID).Error("WebAuthn签名计数器未递增，疑似凭证克隆")
		return nil, ErrCloneDetected
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)
	var device models.MFADevice
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND credential_id = ?", userID, credentialID).
		First(&device).Error; err != nil {
		return nil, fmt.Errorf("查询认证设备失败: %w", err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"signature_count": credential.Authenticator.SignCount,
		"last_used_at":    now,
	}
	if !device.IsVerified {
		updates["is_verified"] = true
		updates["verified_at"] = now
	}
	if err := s.db.WithContext(ctx).Model(&device).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新设备签名计数器失败: %w", err)
	}

	device.SignatureCount = credential.Authenticator.SignCount
	device.LastUsedAt = &now

	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": device.ID,
	}).Info("WebAuthn认证成功")

	return &device, nil
}
