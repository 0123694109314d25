package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/enterprise-platform/identity-security/internal/backupcode"
	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/internal/webauthn"
	"github.com/enterprise-platform/identity-security/shared/models"
)

var (
	// ErrVerificationFailed 提交的验证响应不正确
	ErrVerificationFailed = errors.New("验证失败")
	// ErrReplayDetected 检测到一次性凭证被重复提交
	ErrReplayDetected = errors.New("检测到凭证重放")
)

// VerifyInput 因子验证输入
type VerifyInput struct {
	Challenge *models.MFAChallenge
	Device    *models.MFADevice // 备用码验证时为nil
	Response  string
	ClientIP  string
	UserAgent string
}

// VerifyOutcome 因子验证附加结果
type VerifyOutcome struct {
	BackupRemaining *int
	RegenerateHint  bool
}

// Verifier 单一因子验证器
type Verifier interface {
	Verify(ctx context.Context, in *VerifyInput) (*VerifyOutcome, error)
}

// totpVerifier TOTP因子验证器
//
// 每个时间窗口的验证码只接受一次：命中窗口必须严格大于
// 设备上次成功的窗口，占用通过持久层CAS完成。
type totpVerifier struct {
	manager *otp.TOTPManager
	repo    *Repository
	now     func() time.Time
}

func (v *totpVerifier) Verify(ctx context.Context, in *VerifyInput) (*VerifyOutcome, error) {
	window, ok := v.manager.VerifyCode(in.Device.Secret, in.Response, v.now())
	if !ok {
		return nil, ErrVerificationFailed
	}
	if window <= in.Device.LastTotpWindow {
		return nil, ErrReplayDetected
	}

	claimed, err := v.repo.ClaimTotpWindow(ctx, in.Device.ID, window)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrReplayDetected
	}
	return &VerifyOutcome{}, nil
}

// codeVerifier 对照挑战内已发送验证码的验证器（SMS/Email）
type codeVerifier struct {
	caseInsensitive bool
}

func (v *codeVerifier) Verify(_ context.Context, in *VerifyInput) (*VerifyOutcome, error) {
	response := strings.TrimSpace(in.Response)
	expected := in.Challenge.ExpectedResponse
	if v.caseInsensitive {
		response = strings.ToUpper(response)
		expected = strings.ToUpper(expected)
	}
	if expected == "" {
		return nil, ErrVerificationFailed
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		return nil, ErrVerificationFailed
	}
	return &VerifyOutcome{}, nil
}

// backupVerifier 备用恢复码验证器
type backupVerifier struct {
	service *backupcode.Service
}

func (v *backupVerifier) Verify(ctx context.Context, in *VerifyInput) (*VerifyOutcome, error) {
	result, err := v.service.VerifyAndConsume(ctx, in.Challenge.UserID, in.Response, in.ClientIP, in.UserAgent)
	if errors.Is(err, backupcode.ErrCodeInvalid) {
		return nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, err
	}
	return &VerifyOutcome{
		BackupRemaining: &result.Remaining,
		RegenerateHint:  result.RegenerateHint,
	}, nil
}

// webauthnVerifier WebAuthn断言验证器，响应为客户端断言JSON
type webauthnVerifier struct {
	service *webauthn.Service
}

func (v *webauthnVerifier) Verify(ctx context.Context, in *VerifyInput) (*VerifyOutcome, error) {
	userID := in.Challenge.UserID
	device, err := v.service.FinishLogin(ctx, userID, userID.String(), userID.String(), strings.NewReader(in.Response))
	if errors.Is(err, webauthn.ErrCloneDetected) {
		return nil, ErrReplayDetected
	}
	if err != nil {
		return nil, ErrVerificationFailed
	}
	if device.ID != in.Device.ID {
		return nil, ErrVerificationFailed
	}
	return &VerifyOutcome{}, nil
}
