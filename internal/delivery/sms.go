package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/internal/ratelimit"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
)

// e164Pattern 国际电话号码格式
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SMSDelivery 验证码短信发送结果
type SMSDelivery struct {
	Code            string        `json:"-"`
	MaskedRecipient string        `json:"masked_recipient"`
	ExpiresIn       time.Duration `json:"expires_in"`
}

// SMSService 短信验证码发送服务
type SMSService struct {
	config       config.SMSConfig
	transport    SMSTransport
	phoneLimiter *ratelimit.SlidingWindowLimiter
	ipLimiter    *ratelimit.SlidingWindowLimiter
	logger       logger.Logger
}

// NewSMSService 创建短信服务，号码与IP分别按小时窗口限流
func NewSMSService(cfg config.SMSConfig, transport SMSTransport, log logger.Logger) *SMSService {
	return &SMSService{
		config:       cfg,
		transport:    transport,
		phoneLimiter: ratelimit.NewSlidingWindowLimiter(cfg.PhoneHourLimit, time.Hour),
		ipLimiter:    ratelimit.NewSlidingWindowLimiter(cfg.IPHourLimit, time.Hour),
		logger:       log,
	}
}

// SendVerificationCode 生成并发送短信验证码
//
// 计数仅在通道确认发送后推进，发送失败不占用配额。
func (s *SMSService) SendVerificationCode(ctx context.Context, phone, clientIP string) (*SMSDelivery, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	if !s.phoneLimiter.Allow(normalized) {
		s.logger.WithFields(map[string]interface{}{
			"recipient": MaskPhone(normalized),
			"client_ip": clientIP,
		}).Warn("短信发送触发号码限流")
		return nil, fmt.Errorf("%w: 该号码请求过于频繁", ratelimit.ErrRateLimited)
	}
	if clientIP != "" && !s.ipLimiter.Allow(clientIP) {
		s.logger.WithField("client_ip", clientIP).Warn("短信发送触发IP限流")
		return nil, fmt.Errorf("%w: 该IP请求过于频繁", ratelimit.ErrRateLimited)
	}

	code, err := otp.GenerateNumericCode(s.config.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("生成短信验证码失败: %w", err)
	}

	message := fmt.Sprintf("【%s】您的验证码为 %s，%d分钟内有效，请勿泄露给他人。",
		s.config.SenderID, code, int(s.config.CodeValidity.Minutes()))

	if err := s.transport.Send(ctx, normalized, message); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"recipient": MaskPhone(normalized),
			"error":     err.Error(),
		}).Error("短信通道发送失败")
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	s.phoneLimiter.Record(normalized)
	if clientIP != "" {
		s.ipLimiter.Record(clientIP)
	}

	s.logger.WithField("recipient", MaskPhone(normalized)).Info("短信验证码已发送")

	return &SMSDelivery{
		Code:            code,
		MaskedRecipient: MaskPhone(normalized),
		ExpiresIn:       s.config.CodeValidity,
	}, nil
}

// RemainingAttempts 号码在当前窗口内剩余的发送次数
func (s *SMSService) RemainingAttempts(phone string) int {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return 0
	}
	return s.phoneLimiter.Remaining(normalized)
}

// ResetRateLimit 清除号码的限流计数，供管理端使用
func (s *SMSService) ResetRateLimit(phone string) {
	if normalized, err := NormalizePhone(phone); err == nil {
		s.phoneLimiter.Reset(normalized)
	}
}

// SweepRateLimits 清理过期限流记录
func (s *SMSService) SweepRateLimits() int {
	return s.phoneLimiter.Sweep() + s.ipLimiter.Sweep()
}

// NormalizePhone 规范化并校验E.164格式电话号码
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	if !e164Pattern.MatchString(cleaned) {
		return "", fmt.Errorf("无效的电话号码格式")
	}
	return cleaned, nil
}

// MaskPhone 遮蔽电话号码，仅保留末4位
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

// HTTPSMSTransport 调用短信网关HTTP接口的通道实现
type HTTPSMSTransport struct {
	endpoint string
	apiKey   string
	sender   string
	client   *http.Client
}

// NewHTTPSMSTransport 创建HTTP短信通道
func NewHTTPSMSTransport(cfg config.SMSConfig) *HTTPSMSTransport {
	return &HTTPSMSTransport{
		endpoint: cfg.APIEndpoint,
		apiKey:   cfg.APIKey,
		sender:   cfg.SenderID,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (t *HTTPSMSTransport) Send(ctx context.Context, phone, message string) error {
	payload, err := json.Marshal(map[string]string{
		"to":      phone,
		"from":    t.sender,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("序列化短信请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建短信请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求短信网关失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("短信网关返回异常状态: %d", resp.StatusCode)
	}
	return nil
}
