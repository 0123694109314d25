package models

import (
	"time"

	"github.com/google/uuid"
)

// MFAFactor MFA因子类型
type MFAFactor string

const (
	FactorTotp              MFAFactor = "totp"
	FactorWebAuthnPlatform  MFAFactor = "webauthn_platform"
	FactorWebAuthnCrossPlat MFAFactor = "webauthn_cross_platform"
	FactorSms               MFAFactor = "sms"
	FactorEmail             MFAFactor = "email"
	FactorBackupCodes       MFAFactor = "backup_codes"
)

// IsWebAuthn 是否为WebAuthn类型因子
func (f MFAFactor) IsWebAuthn() bool {
	return f == FactorWebAuthnPlatform || f == FactorWebAuthnCrossPlat
}

// MFADevice 用户已注册的第二因子设备
//
// 生命周期：注册时为未验证状态，首次成功验证后转为已验证，
// 用户移除后软删除为停用状态（保留审计轨迹，永不物理删除）。
type MFADevice struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	TenantID   uuid.UUID `json:"tenant_id" gorm:"type:uuid;index"`
	DeviceName string    `json:"device_name" gorm:"type:varchar(100);not null"`
	Factor     MFAFactor `json:"factor" gorm:"type:varchar(50);not null"`

	// 密钥材料，严禁写入日志
	Secret    string `json:"-" gorm:"type:varchar(255)"` // TOTP密钥（base32）
	PublicKey string `json:"-" gorm:"type:text"`         // WebAuthn公钥（COSE, base64url）

	CredentialID   string `json:"credential_id,omitempty" gorm:"type:varchar(512);index"` // WebAuthn凭证ID
	SignatureCount uint32 `json:"signature_count" gorm:"default:0"`                       // WebAuthn签名计数器，单调递增
	LastTotpWindow int64  `json:"-" gorm:"default:0"`                                     // 最后接受的TOTP时间窗口，用于防重放

	Phone string `json:"phone,omitempty" gorm:"type:varchar(20)"`  // SMS设备手机号
	Email string `json:"email,omitempty" gorm:"type:varchar(255)"` // Email设备邮箱

	IsVerified bool       `json:"is_verified" gorm:"default:false"`
	IsActive   bool       `json:"is_active" gorm:"default:true"`
	VerifiedAt *time.Time `json:"verified_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName 表名
func (MFADevice) TableName() string {
	return "mfa_devices"
}

// IsEligible 设备是否可用于发起挑战
func (d *MFADevice) IsEligible() bool {
	return d.IsVerified && d.IsActive
}

// MarkVerified 标记设备已通过首次验证
func (d *MFADevice) MarkVerified(now time.Time) {
	d.IsVerified = true
	d.VerifiedAt = &now
}

// MFAChallenge 一次未决的验证尝试
//
// 不变式：同一(user, session)至多存在一条有效的未使用挑战，
// 新挑战签发时旧挑战全部作废。已使用、超限或过期后为终态，不可回转。
type MFAChallenge struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	UserID   uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	DeviceID uuid.UUID `json:"device_id" gorm:"type:uuid;not null;index"`
	Factor   MFAFactor `json:"factor" gorm:"type:varchar(50);not null"`

	// SMS/Email为发送出去的验证码；TOTP/备用码按算法验证，此处为占位标记
	ExpectedResponse string `json:"-" gorm:"type:varchar(100)"`

	SessionID    string     `json:"session_id" gorm:"type:varchar(128);not null;index"`
	IPAddress    string     `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent    string     `json:"user_agent" gorm:"type:text"`
	AttemptCount int        `json:"attempt_count" gorm:"default:0"`
	IsUsed       bool       `json:"is_used" gorm:"default:false"`
	UsedAt       *time.Time `json:"used_at"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"not null;index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 表名
func (MFAChallenge) TableName() string {
	return "mfa_challenges"
}

// IsExpired 挑战是否已过期
func (c *MFAChallenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsTerminal 挑战是否处于终态
func (c *MFAChallenge) IsTerminal(now time.Time, maxAttempts int) bool {
	return c.IsUsed || c.AttemptCount >= maxAttempts || c.IsExpired(now)
}

// MarkUsed 标记挑战已消费
func (c *MFAChallenge) MarkUsed(now time.Time) {
	c.IsUsed = true
	c.UsedAt = &now
}

// TrustedDevice 受信任客户端指纹，在信任期内免除MFA
type TrustedDevice struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	UserID            uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	DeviceFingerprint string     `json:"device_fingerprint" gorm:"type:varchar(255);not null;index"`
	DeviceName        string     `json:"device_name" gorm:"type:varchar(100)"`
	IPAddress         string     `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent         string     `json:"user_agent" gorm:"type:text"`
	IsActive          bool       `json:"is_active" gorm:"default:true"`
	ExpiresAt         time.Time  `json:"expires_at" gorm:"not null;index"`
	LastUsedAt        *time.Time `json:"last_used_at"`
	RevokedAt         *time.Time `json:"revoked_at"`
	RevokedBy         string     `json:"revoked_by,omitempty" gorm:"type:varchar(255)"`
	RevokeReason      string     `json:"revoke_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName 表名
func (TrustedDevice) TableName() string {
	return "trusted_devices"
}

// IsValid 是否仍在信任期内且未被吊销
func (t *TrustedDevice) IsValid(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}

// Revoke 吊销受信任设备
func (t *TrustedDevice) Revoke(now time.Time, revokedBy, reason string) {
	t.IsActive = false
	t.RevokedAt = &now
	t.RevokedBy = revokedBy
	t.RevokeReason = reason
}

// BackupCode 单次使用的恢复码，仅持久化加盐哈希
type BackupCode struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	CodeHash  string     `json:"-" gorm:"type:varchar(100);not null"`
	IsUsed    bool       `json:"is_used" gorm:"default:false"`
	UsedAt    *time.Time `json:"used_at"`
	UsedIP    string     `json:"used_ip,omitempty" gorm:"type:varchar(45)"`
	UsedAgent string     `json:"used_agent,omitempty" gorm:"type:text"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName 表名
func (BackupCode) TableName() string {
	return "mfa_backup_codes"
}

// MarkUsed 标记恢复码已消费
func (b *BackupCode) MarkUsed(now time.Time, ip, agent string) {
	b.IsUsed = true
	b.UsedAt = &now
	b.UsedIP = ip
	b.UsedAgent = agent
}
