package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
)

func testSMSConfig() config.SMSConfig {
	return config.SMSConfig{
		SenderID:       "企业安全中心",
		CodeLength:     6,
		CodeValidity:   5 * time.Minute,
		PhoneHourLimit: 5,
		IPHourLimit:    10,
	}
}

func testEmailConfig() config.EmailConfig {
	return config.EmailConfig{
		FromName:       "企业安全中心",
		CodeLength:     8,
		CodeValidity:   10 * time.Minute,
		EmailHourLimit: 5,
		IPHourLimit:    10,
	}
}

func TestSMSService_SendVerificationCode(t *testing.T) {
	transport := NewMockSMSTransport()
	svc := NewSMSService(testSMSConfig(), transport, logger.NewNop())

	delivery, err := svc.SendVerificationCode(context.Background(), "+86 138-0013-8000", "10.0.0.1")
	require.NoError(t, err)

	assert.Len(t, delivery.Code, 6)
	assert.Equal(t, "***8000", delivery.MaskedRecipient)
	assert.Equal(t, 5*time.Minute, delivery.ExpiresIn)

	messages := transport.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "+8613800138000", messages[0].Recipient)
	assert.Contains(t, messages[0].Body, delivery.Code)
}

func TestSMSService_InvalidPhone(t *testing.T) {
	svc := NewSMSService(testSMSConfig(), NewMockSMSTransport(), logger.NewNop())

	_, err := svc.SendVerificationCode(context.Background(), "12345", "10.0.0.1")
	assert.Error(t, err)

	_, err = svc.SendVerificationCode(context.Background(), "+0123456789", "10.0.0.1")
	assert.Error(t, err)
}

func TestSMSService_PhoneRateLimit(t *testing.T) {
	svc := NewSMSService(testSMSConfig(), NewMockSMSTransport(), logger.NewNop())

	for i := 0; i < 5; i++ {
		_, err := svc.SendVerificationCode(context.Background(), "+8613800138000", "10.0.0.1")
		require.NoError(t, err)
	}

	_, err := svc.SendVerificationCode(context.Background(), "+8613800138000", "10.0.0.2")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	assert.Equal(t, 0, svc.RemainingAttempts("+8613800138000"))

	// 管理端清除计数后恢复发送
	svc.ResetRateLimit("+86 138-0013-8000")
	_, err = svc.SendVerificationCode(context.Background(), "+8613800138000", "10.0.0.3")
	assert.NoError(t, err)
}

func TestSMSService_IPRateLimit(t *testing.T) {
	svc := NewSMSService(testSMSConfig(), NewMockSMSTransport(), logger.NewNop())

	// 同一IP向不同号码发送，耗尽IP配额
	for i := 0; i < 10; i++ {
		phone := "+861380013800" + string(rune('0'+i))
		_, err := svc.SendVerificationCode(context.Background(), phone, "10.0.0.1")
		require.NoError(t, err)
	}

	_, err := svc.SendVerificationCode(context.Background(), "+8613900139000", "10.0.0.1")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	// 其他IP不受影响
	_, err = svc.SendVerificationCode(context.Background(), "+8613900139000", "10.0.0.2")
	assert.NoError(t, err)
}

func TestSMSService_TransportFailureDoesNotConsumeQuota(t *testing.T) {
	transport := NewMockSMSTransport()
	svc := NewSMSService(testSMSConfig(), transport, logger.NewNop())

	transport.FailWith(errors.New("网关超时"))
	_, err := svc.SendVerificationCode(context.Background(), "+8613800138000", "10.0.0.1")
	assert.ErrorIs(t, err, ErrTransportFailure)

	// 失败不占配额，仍可发送满5次
	for i := 0; i < 5; i++ {
		_, err := svc.SendVerificationCode(context.Background(), "+8613800138000", "10.0.0.1")
		require.NoError(t, err)
	}
}

func TestEmailService_SendVerificationCode(t *testing.T) {
	transport := NewMockEmailTransport()
	svc := NewEmailService(testEmailConfig(), transport, logger.NewNop())

	delivery, err := svc.SendVerificationCode(context.Background(), "John.Doe@Example.com", "10.0.0.1")
	require.NoError(t, err)

	assert.Len(t, delivery.Code, 8)
	assert.Equal(t, "jo***@example.com", delivery.MaskedRecipient)

	messages := transport.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "john.doe@example.com", messages[0].Recipient)
	assert.Contains(t, messages[0].Body, delivery.Code)
}

func TestEmailService_InvalidAddress(t *testing.T) {
	svc := NewEmailService(testEmailConfig(), NewMockEmailTransport(), logger.NewNop())

	for _, addr := range []string{"", "not-an-email", "a@", "Display Name <a@b.com>"} {
		_, err := svc.SendVerificationCode(context.Background(), addr, "10.0.0.1")
		assert.Error(t, err, "地址 %q 应被拒绝", addr)
	}
}

func TestEmailService_EmailRateLimit(t *testing.T) {
	svc := NewEmailService(testEmailConfig(), NewMockEmailTransport(), logger.NewNop())

	for i := 0; i < 5; i++ {
		_, err := svc.SendVerificationCode(context.Background(), "alice@example.com", "10.0.0.1")
		require.NoError(t, err)
	}

	_, err := svc.SendVerificationCode(context.Background(), "alice@example.com", "10.0.0.9")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "***8000", MaskPhone("+8613800138000"))
	assert.Equal(t, "***", MaskPhone("123"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", MaskEmail("john@example.com"))
	assert.Equal(t, "a***@example.com", MaskEmail("ab@example.com"))
	assert.Equal(t, "***", MaskEmail("invalid"))
}
