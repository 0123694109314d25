package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	otplib "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/internal/backupcode"
	"github.com/enterprise-platform/identity-security/internal/delivery"
	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	webauthnsvc "github.com/enterprise-platform/identity-security/internal/webauthn"
	"github.com/enterprise-platform/identity-security/shared/auth"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

type OrchestratorTestSuite struct {
	suite.Suite
	db           *gorm.DB
	orchestrator *Orchestrator
	smsTransport *delivery.MockSMSTransport
	userID       uuid.UUID
	tenantID     uuid.UUID
	now          time.Time
}

func (s *OrchestratorTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(
		&models.MFADevice{}, &models.MFAChallenge{},
		&models.TrustedDevice{}, &models.BackupCode{},
	))
	s.db = db

	mfaCfg := config.MFAConfig{
		ChallengeValidity:  5 * time.Minute,
		MaxAttempts:        3,
		TrustedDeviceDays:  30,
		ChallengeRateLimit: 100,
		TOTP:               config.TOTPConfig{Issuer: "Enterprise Security", Digits: 6, Period: 30, Skew: 1},
	}

	log := logger.NewNop()
	s.smsTransport = delivery.NewMockSMSTransport()
	smsService := delivery.NewSMSService(config.SMSConfig{
		SenderID: "测试", CodeLength: 6, CodeValidity: 5 * time.Minute,
		PhoneHourLimit: 100, IPHourLimit: 100,
	}, s.smsTransport, log)
	emailService := delivery.NewEmailService(config.EmailConfig{
		FromName: "测试", CodeLength: 8, CodeValidity: 10 * time.Minute,
		EmailHourLimit: 100, IPHourLimit: 100,
	}, delivery.NewMockEmailTransport(), log)

	webauthnService, err := webauthnsvc.NewService(config.WebAuthnConfig{
		RPID: "localhost", RPDisplayName: "测试", RPOrigins: []string{"http://localhost"},
		SessionTTL: 5 * time.Minute,
	}, webauthnsvc.NewMemorySessionStore(), db, log)
	s.Require().NoError(err)

	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.orchestrator = NewOrchestrator(
		mfaCfg,
		NewRepository(db),
		otp.NewTOTPManager(mfaCfg.TOTP),
		smsService,
		emailService,
		backupcode.NewService(db, log),
		webauthnService,
		auth.NewTokenManager("test-secret-key", "identity-security", 10*time.Minute),
		audit.NewNopPublisher(),
		log,
	).WithClock(func() time.Time { return s.now })

	s.userID = uuid.New()
	s.tenantID = uuid.New()
}

func (s *OrchestratorTestSuite) totpCode(secret string, at time.Time) string {
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30, Digits: otplib.DigitsSix, Algorithm: otplib.AlgorithmSHA1,
	})
	s.Require().NoError(err)
	return code
}

func (s *OrchestratorTestSuite) enrollVerifiedTOTP() (*TOTPEnrollment, *models.MFADevice) {
	enrollment, err := s.orchestrator.EnrollTOTP(context.Background(), s.userID, s.tenantID, "工作手机", "alice@example.com")
	s.Require().NoError(err)

	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-1", ClientIP: "10.0.0.1",
	})
	s.Require().NoError(err)

	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID,
		Response: s.totpCode(enrollment.Secret, s.now), ClientIP: "10.0.0.1",
	})
	s.Require().NoError(err)

	device, err := NewRepository(s.db).GetDevice(context.Background(), s.userID, enrollment.DeviceID)
	s.Require().NoError(err)
	return enrollment, device
}

func (s *OrchestratorTestSuite) TestEnrollTOTP_StartsUnverified() {
	enrollment, err := s.orchestrator.EnrollTOTP(context.Background(), s.userID, s.tenantID, "工作手机", "alice@example.com")
	s.Require().NoError(err)

	s.NotEmpty(enrollment.Secret)
	s.Contains(enrollment.ProvisioningURI, "otpauth://totp/")
	s.NotEmpty(enrollment.QRCode)

	device, err := NewRepository(s.db).GetDevice(context.Background(), s.userID, enrollment.DeviceID)
	s.Require().NoError(err)
	s.False(device.IsVerified)

	// 未验证设备不计入可用方式
	methods, err := s.orchestrator.AvailableMethods(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Empty(methods)
}

func (s *OrchestratorTestSuite) TestVerifyChallenge_MarksDeviceVerified() {
	_, device := s.enrollVerifiedTOTP()
	s.True(device.IsVerified)
	s.NotNil(device.VerifiedAt)

	methods, err := s.orchestrator.AvailableMethods(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Equal([]models.MFAFactor{models.FactorTotp}, methods)
}

func (s *OrchestratorTestSuite) TestVerifyChallenge_TOTPReplayRejected() {
	enrollment, _ := s.enrollVerifiedTOTP()
	code := s.totpCode(enrollment.Secret, s.now)

	// 新挑战内重放同一时间窗口的验证码
	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-2",
	})
	s.Require().NoError(err)

	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID, Response: code,
	})
	s.ErrorIs(err, ErrReplayDetected)

	// 下一个时间窗口的验证码正常通过
	s.now = s.now.Add(30 * time.Second)
	info, err = s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-3",
	})
	s.Require().NoError(err)
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID,
		Response: s.totpCode(enrollment.Secret, s.now),
	})
	s.NoError(err)
}

func (s *OrchestratorTestSuite) TestVerifyChallenge_AttemptsExhausted() {
	device, err := s.orchestrator.EnrollSMS(context.Background(), s.userID, s.tenantID, "主号码", "+8613800138000")
	s.Require().NoError(err)

	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1", ClientIP: "10.0.0.1",
	})
	s.Require().NoError(err)
	s.Equal("***8000", info.MaskedRecipient)

	for i := 0; i < 2; i++ {
		_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
			ChallengeID: info.ChallengeID, UserID: s.userID, Response: "000000",
		})
		s.ErrorIs(err, ErrVerificationFailed)
	}

	// 第3次失败后挑战进入终态
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID, Response: "000000",
	})
	s.ErrorIs(err, ErrChallengeInvalid)

	// 终态后即使提交正确验证码也无效
	messages := s.smsTransport.Messages()
	s.Require().NotEmpty(messages)
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID, Response: extractCode(messages[len(messages)-1].Body),
	})
	s.ErrorIs(err, ErrChallengeInvalid)
}

func (s *OrchestratorTestSuite) TestVerifyChallenge_Expired() {
	device, err := s.orchestrator.EnrollSMS(context.Background(), s.userID, s.tenantID, "主号码", "+8613800138000")
	s.Require().NoError(err)

	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.Require().NoError(err)

	s.now = s.now.Add(5*time.Minute + time.Second)

	messages := s.smsTransport.Messages()
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID, Response: extractCode(messages[0].Body),
	})
	s.ErrorIs(err, ErrChallengeInvalid)
}

func (s *OrchestratorTestSuite) TestIssueChallenge_InvalidatesPending() {
	device, err := s.orchestrator.EnrollSMS(context.Background(), s.userID, s.tenantID, "主号码", "+8613800138000")
	s.Require().NoError(err)

	first, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.Require().NoError(err)

	second, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.Require().NoError(err)

	// 旧挑战已作废，正确验证码也不能通过
	messages := s.smsTransport.Messages()
	s.Require().Len(messages, 2)
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: first.ChallengeID, UserID: s.userID, Response: extractCode(messages[0].Body),
	})
	s.ErrorIs(err, ErrChallengeInvalid)

	// 新挑战正常
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: second.ChallengeID, UserID: s.userID, Response: extractCode(messages[1].Body),
	})
	s.NoError(err)
}

func (s *OrchestratorTestSuite) TestIssueChallenge_InactiveDevice() {
	_, device := s.enrollVerifiedTOTP()
	s.Require().NoError(s.orchestrator.RemoveDevice(context.Background(), s.userID, device.ID, "admin"))

	_, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.ErrorIs(err, ErrDeviceIneligible)
}

func (s *OrchestratorTestSuite) TestRequiresMFA_TrustedDevice() {
	enrollment, _ := s.enrollVerifiedTOTP()

	decision, err := s.orchestrator.RequiresMFA(context.Background(), s.userID, "fp-laptop")
	s.Require().NoError(err)
	s.True(decision.Required)

	// 验证成功并记住设备
	s.now = s.now.Add(time.Minute)
	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-2",
	})
	s.Require().NoError(err)
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID,
		Response:       s.totpCode(enrollment.Secret, s.now),
		RememberDevice: true, DeviceFingerprint: "fp-laptop", DeviceName: "办公笔记本",
	})
	s.Require().NoError(err)

	decision, err = s.orchestrator.RequiresMFA(context.Background(), s.userID, "fp-laptop")
	s.Require().NoError(err)
	s.False(decision.Required, "受信任设备在信任期内免除MFA")

	// 其他指纹仍然需要MFA
	decision, err = s.orchestrator.RequiresMFA(context.Background(), s.userID, "fp-other")
	s.Require().NoError(err)
	s.True(decision.Required)

	// 信任期（30天）过后重新需要MFA
	s.now = s.now.Add(31 * 24 * time.Hour)
	decision, err = s.orchestrator.RequiresMFA(context.Background(), s.userID, "fp-laptop")
	s.Require().NoError(err)
	s.True(decision.Required)
}

func (s *OrchestratorTestSuite) TestRequiresMFA_NoEnrollment() {
	decision, err := s.orchestrator.RequiresMFA(context.Background(), s.userID, "")
	s.Require().NoError(err)
	s.False(decision.Required, "未注册因子时默认放行")

	s.orchestrator.cfg.RequireEnrollment = true
	decision, err = s.orchestrator.RequiresMFA(context.Background(), s.userID, "")
	s.Require().NoError(err)
	s.True(decision.Required, "强制注册开启时要求先注册")
}

func (s *OrchestratorTestSuite) TestRevokeTrustedDevices() {
	enrollment, _ := s.enrollVerifiedTOTP()

	s.now = s.now.Add(time.Minute)
	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-2",
	})
	s.Require().NoError(err)
	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID,
		Response:       s.totpCode(enrollment.Secret, s.now),
		RememberDevice: true, DeviceFingerprint: "fp-1",
	})
	s.Require().NoError(err)

	devices, err := s.orchestrator.ListTrustedDevices(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Require().Len(devices, 1)

	count, err := s.orchestrator.RevokeAllTrustedDevices(context.Background(), s.userID, "alice", "更换设备")
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	decision, err := s.orchestrator.RequiresMFA(context.Background(), s.userID, "fp-1")
	s.Require().NoError(err)
	s.True(decision.Required)
}

func (s *OrchestratorTestSuite) TestBackupCodeChallenge() {
	s.enrollVerifiedTOTP()

	codes, err := s.orchestrator.RegenerateBackupCodes(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Require().Len(codes, backupcode.DefaultCodeCount)

	methods, err := s.orchestrator.AvailableMethods(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Contains(methods, models.FactorBackupCodes)

	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, Factor: models.FactorBackupCodes, SessionID: "session-9",
	})
	s.Require().NoError(err)

	result, err := s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: s.userID, Response: codes[0],
	})
	s.Require().NoError(err)
	s.Require().NotNil(result.BackupRemaining)
	s.Equal(backupcode.DefaultCodeCount-1, *result.BackupRemaining)
	s.NotEmpty(result.Token)
}

func (s *OrchestratorTestSuite) TestRecommendedMethod_Preference() {
	s.enrollVerifiedTOTP()

	method, err := s.orchestrator.RecommendedMethod(context.Background(), s.userID)
	s.Require().NoError(err)
	s.Equal(models.FactorTotp, method)
}

func (s *OrchestratorTestSuite) TestVerifyChallenge_WrongUser() {
	enrollment, _ := s.enrollVerifiedTOTP()

	s.now = s.now.Add(time.Minute)
	info, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: enrollment.DeviceID, SessionID: "session-2",
	})
	s.Require().NoError(err)

	_, err = s.orchestrator.VerifyChallenge(context.Background(), &VerifyChallengeRequest{
		ChallengeID: info.ChallengeID, UserID: uuid.New(),
		Response: s.totpCode(enrollment.Secret, s.now),
	})
	s.ErrorIs(err, ErrChallengeInvalid)
}

func (s *OrchestratorTestSuite) TestIssueChallenge_RateLimited() {
	device, err := s.orchestrator.EnrollSMS(context.Background(), s.userID, s.tenantID, "主号码", "+8613800138000")
	s.Require().NoError(err)

	s.orchestrator.challengeLimiter = ratelimit.NewSlidingWindowLimiter(2, time.Hour)
	for i := 0; i < 2; i++ {
		_, err := s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
			UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
		})
		s.Require().NoError(err)
	}

	_, err = s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.ErrorIs(err, ratelimit.ErrRateLimited)
}

func (s *OrchestratorTestSuite) TestUserLockStriping() {
	// 首字节相同的用户共享同一把分片锁，首字节不同则落在不同分片
	other := s.userID
	other[15] ^= 0xff
	s.Same(s.orchestrator.userLock(s.userID), s.orchestrator.userLock(other))

	neighbor := s.userID
	neighbor[0]++
	s.NotSame(s.orchestrator.userLock(s.userID), s.orchestrator.userLock(neighbor))
}

func (s *OrchestratorTestSuite) TestSweep() {
	device, err := s.orchestrator.EnrollSMS(context.Background(), s.userID, s.tenantID, "主号码", "+8613800138000")
	s.Require().NoError(err)

	_, err = s.orchestrator.IssueChallenge(context.Background(), &IssueChallengeRequest{
		UserID: s.userID, DeviceID: device.ID, SessionID: "session-1",
	})
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	s.Require().NoError(s.orchestrator.Sweep(context.Background()))

	var count int64
	s.Require().NoError(s.db.Model(&models.MFAChallenge{}).Count(&count).Error)
	s.Equal(int64(0), count)
}

// extractCode 从短信正文提取6位数字验证码
func extractCode(body string) string {
	for i := 0; i+6 <= len(body); i++ {
		candidate := body[i : i+6]
		digits := true
		for _, c := range candidate {
			if c < '0' || c > '9' {
				digits = false
				break
			}
		}
		if digits {
			return candidate
		}
	}
	return ""
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}
