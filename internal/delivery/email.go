package delivery

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	gomail "github.com/go-mail/mail"

	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
)

// EmailDelivery 验证码邮件发送结果
type EmailDelivery struct {
	Code            string        `json:"-"`
	MaskedRecipient string        `json:"masked_recipient"`
	ExpiresIn       time.Duration `json:"expires_in"`
}

// EmailService 邮件验证码发送服务
type EmailService struct {
	config       config.EmailConfig
	transport    EmailTransport
	emailLimiter *ratelimit.SlidingWindowLimiter
	ipLimiter    *ratelimit.SlidingWindowLimiter
	logger       logger.Logger
}

// NewEmailService 创建邮件服务，邮箱与IP分别按小时窗口限流
func NewEmailService(cfg config.EmailConfig, transport EmailTransport, log logger.Logger) *EmailService {
	return &EmailService{
		config:       cfg,
		transport:    transport,
		emailLimiter: ratelimit.NewSlidingWindowLimiter(cfg.EmailHourLimit, time.Hour),
		ipLimiter:    ratelimit.NewSlidingWindowLimiter(cfg.IPHourLimit, time.Hour),
		logger:       log,
	}
}

// SendVerificationCode 生成并发送邮件验证码
//
// 计数仅在通道确认发送后推进，发送失败不占用配额。
func (s *EmailService) SendVerificationCode(ctx context.Context, address, clientIP string) (*EmailDelivery, error) {
	normalized, err := NormalizeEmail(address)
	if err != nil {
		return nil, err
	}

	if !s.emailLimiter.Allow(normalized) {
		s.logger.WithFields(map[string]interface{}{
			"recipient": MaskEmail(normalized),
			"client_ip": clientIP,
		}).Warn("邮件发送触发邮箱限流")
		return nil, fmt.Errorf("%w: 该邮箱请求过于频繁", ratelimit.ErrRateLimited)
	}
	if clientIP != "" && !s.ipLimiter.Allow(clientIP) {
		s.logger.WithField("client_ip", clientIP).Warn("邮件发送触发IP限流")
		return nil, fmt.Errorf("%w: 该IP请求过于频繁", ratelimit.ErrRateLimited)
	}

	code, err := otp.GenerateAlphanumericCode(s.config.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("生成邮件验证码失败: %w", err)
	}

	subject := fmt.Sprintf("%s 安全验证码", s.config.FromName)
	body := fmt.Sprintf(
		"<p>您好，</p><p>您的安全验证码为：</p><h2>%s</h2><p>验证码%d分钟内有效，请勿泄露给他人。</p><p>如非本人操作，请忽略此邮件。</p>",
		code, int(s.config.CodeValidity.Minutes()))

	if err := s.transport.Send(ctx, normalized, subject, body); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"recipient": MaskEmail(normalized),
			"error":     err.Error(),
		}).Error("邮件通道发送失败")
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	s.emailLimiter.Record(normalized)
	if clientIP != "" {
		s.ipLimiter.Record(clientIP)
	}

	s.logger.WithField("recipient", MaskEmail(normalized)).Info("邮件验证码已发送")

	return &EmailDelivery{
		Code:            code,
		MaskedRecipient: MaskEmail(normalized),
		ExpiresIn:       s.config.CodeValidity,
	}, nil
}

// RemainingAttempts 邮箱在当前窗口内剩余的发送次数
func (s *EmailService) RemainingAttempts(address string) int {
	normalized, err := NormalizeEmail(address)
	if err != nil {
		return 0
	}
	return s.emailLimiter.Remaining(normalized)
}

// ResetRateLimit 清除邮箱的限流计数，供管理端使用
func (s *EmailService) ResetRateLimit(address string) {
	if normalized, err := NormalizeEmail(address); err == nil {
		s.emailLimiter.Reset(normalized)
	}
}

// SweepRateLimits 清理过期限流记录
func (s *EmailService) SweepRateLimits() int {
	return s.emailLimiter.Sweep() + s.ipLimiter.Sweep()
}

// NormalizeEmail 规范化并校验邮箱地址
func NormalizeEmail(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", fmt.Errorf("无效的邮箱地址格式")
	}
	return strings.ToLower(trimmed), nil
}

// MaskEmail 遮蔽邮箱本地部分，保留域名
func MaskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := address[:at], address[at+1:]
	if len(local) <= 2 {
		return local[:1] + "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// SMTPEmailTransport 基于SMTP的邮件通道实现
type SMTPEmailTransport struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPEmailTransport 创建SMTP邮件通道
func NewSMTPEmailTransport(cfg config.EmailConfig) *SMTPEmailTransport {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	return &SMTPEmailTransport{
		dialer: dialer,
		from:   fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress),
	}
}

func (t *SMTPEmailTransport) Send(_ context.Context, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", t.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := t.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("SMTP发送失败: %w", err)
	}
	return nil
}
