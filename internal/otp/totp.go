package otp

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	otplib "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"

	"github.com/enterprise-platform/identity-security/shared/config"
)

// TOTPKey 新注册设备的密钥材料
type TOTPKey struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// TOTPManager 基于时间的一次性密码管理器
type TOTPManager struct {
	issuer string
	digits otplib.Digits
	period uint
	skew   uint
}

// NewTOTPManager 创建TOTP管理器
func NewTOTPManager(cfg config.TOTPConfig) *TOTPManager {
	digits := otplib.DigitsSix
	if cfg.Digits == 8 {
		digits = otplib.DigitsEight
	}
	return &TOTPManager{
		issuer: cfg.Issuer,
		digits: digits,
		period: cfg.Period,
		skew:   cfg.Skew,
	}
}

// GenerateKey 为账户生成新的TOTP密钥及配置URI
func (m *TOTPManager) GenerateKey(accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
		Period:      m.period,
		Digits:      m.digits,
		Algorithm:   otplib.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("生成TOTP密钥失败: %w", err)
	}

	return &TOTPKey{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	}, nil
}

// VerifyCode 在允许的时间窗内验证TOTP码
//
// 依次比对当前窗及前后各skew个时间窗，命中时返回命中窗的序号。
// 调用方应记录序号并拒绝序号不大于上次成功值的重复提交。
func (m *TOTPManager) VerifyCode(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != m.digits.Length() {
		return 0, false
	}

	period := int64(m.period)
	currentWindow := now.Unix() / period

	for offset := -int64(m.skew); offset <= int64(m.skew); offset++ {
		window := currentWindow + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(window*period, 0).UTC(), totp.ValidateOpts{
			Period:    m.period,
			Skew:      0,
			Digits:    m.digits,
			Algorithm: otplib.AlgorithmSHA1,
		})
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return window, true
		}
	}
	return 0, false
}

// QRCodePNG 将配置URI渲染为PNG二维码
func (m *TOTPManager) QRCodePNG(provisioningURI string, size int) ([]byte, error) {
	png, err := qrcode.Encode(provisioningURI, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("生成二维码失败: %w", err)
	}
	return png, nil
}

// RemainingSeconds 返回当前时间窗剩余秒数
func (m *TOTPManager) RemainingSeconds(now time.Time) int {
	period := int64(m.period)
	return int(period - now.Unix()%period)
}

// ValidSecret 检查密钥是否为合法的Base32编码
func ValidSecret(secret string) bool {
	if secret == "" {
		return false
	}
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	return err == nil
}
