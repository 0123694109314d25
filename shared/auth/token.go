package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MFAClaims 多因素认证完成令牌声明
type MFAClaims struct {
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id"`
	Method    string    `json:"method"` // 通过验证的认证方式
	jwt.RegisteredClaims
}

// TokenManager MFA完成令牌管理器
type TokenManager struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(secret, issuer string, expiration time.Duration) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		issuer:     issuer,
		expiration: expiration,
	}
}

// GenerateMFAToken 签发MFA完成令牌
func (m *TokenManager) GenerateMFAToken(userID uuid.UUID, sessionID, method string) (string, error) {
	now := time.Now()
	claims := MFAClaims{
		UserID:    userID,
		SessionID: sessionID,
		Method:    method,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("签发MFA令牌失败: %w", err)
	}
	return signed, nil
}

// ValidateMFAToken 验证MFA完成令牌
func (m *TokenManager) ValidateMFAToken(tokenString string) (*MFAClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MFAClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, fmt.Errorf("解析MFA令牌失败: %w", err)
	}

	claims, ok := token.Claims.(*MFAClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("无效的MFA令牌")
	}
	return claims, nil
}
