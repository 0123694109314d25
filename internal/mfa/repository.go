package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/shared/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// Repository MFA持久层
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建MFA持久层
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateDevice 新增设备
func (r *Repository) CreateDevice(ctx context.Context, device *models.MFADevice) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("创建MFA设备失败: %w", err)
	}
	return nil
}

// GetDevice 按ID查询用户设备
func (r *Repository) GetDevice(ctx context.Context, userID, deviceID uuid.UUID) (*models.MFADevice, error) {
	var device models.MFADevice
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", deviceID, userID).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询MFA设备失败: %w", err)
	}
	return &device, nil
}

// ListDevices 列出用户全部启用设备
func (r *Repository) ListDevices(ctx context.Context, userID uuid.UUID) ([]models.MFADevice, error) {
	var devices []models.MFADevice
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("查询MFA设备列表失败: %w", err)
	}
	return devices, nil
}

// ListEligibleDevices 列出用户可用于挑战的设备（已验证且启用）
func (r *Repository) ListEligibleDevices(ctx context.Context, userID uuid.UUID) ([]models.MFADevice, error) {
	var devices []models.MFADevice
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("查询可用MFA设备失败: %w", err)
	}

	eligible := devices[:0]
	for i := range devices {
		if devices[i].IsEligible() {
			eligible = append(eligible, devices[i])
		}
	}
	return eligible, nil
}

// SaveDevice 保存设备变更
func (r *Repository) SaveDevice(ctx context.Context, device *models.MFADevice) error {
	if err := r.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("保存MFA设备失败: %w", err)
	}
	return nil
}

// DeactivateDevice 软删除设备，保留审计轨迹
func (r *Repository) DeactivateDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&models.MFADevice{}).
		Where("id = ? AND user_id = ? AND is_active = ?", deviceID, userID, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("停用MFA设备失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTotpWindow 以CAS方式占用TOTP时间窗口
//
// 仅当新窗口严格大于已记录窗口时更新成功，
// 并发提交同一验证码时只有一次能够通过。
func (r *Repository) ClaimTotpWindow(ctx context.Context, deviceID uuid.UUID, window int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.MFADevice{}).
		Where("id = ? AND last_totp_window < ?", deviceID, window).
		Update("last_totp_window", window)
	if result.Error != nil {
		return false, fmt.Errorf("更新TOTP时间窗口失败: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CreateChallenge 新增挑战
func (r *Repository) CreateChallenge(ctx context.Context, challenge *models.MFAChallenge) error {
	if err := r.db.WithContext(ctx).Create(challenge).Error; err != nil {
		return fmt.Errorf("创建MFA挑战失败: %w", err)
	}
	return nil
}

// GetChallenge 按ID查询挑战
func (r *Repository) GetChallenge(ctx context.Context, challengeID uuid.UUID) (*models.MFAChallenge, error) {
	var challenge models.MFAChallenge
	err := r.db.WithContext(ctx).Where("id = ?", challengeID).First(&challenge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询MFA挑战失败: %w", err)
	}
	return &challenge, nil
}

// SaveChallenge 保存挑战变更
func (r *Repository) SaveChallenge(ctx context.Context, challenge *models.MFAChallenge) error {
	if err := r.db.WithContext(ctx).Save(challenge).Error; err != nil {
		return fmt.Errorf("保存MFA挑战失败: %w", err)
	}
	return nil
}

// InvalidatePendingChallenges 作废用户会话下全部未决挑战
func (r *Repository) InvalidatePendingChallenges(ctx context.Context, userID uuid.UUID, sessionID string, now time.Time) error {
	if err := r.db.WithContext(ctx).Model(&models.MFAChallenge{}).
		Where("user_id = ? AND session_id = ? AND is_used = ? AND expires_at > ?", userID, sessionID, false, now).
		Updates(map[string]interface{}{"is_used": true, "used_at": now}).Error; err != nil {
		return fmt.Errorf("作废未决挑战失败: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges 清理过期挑战，返回清理数量
func (r *Repository) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.MFAChallenge{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期挑战失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetTrustedDevice 按指纹查询受信任设备
func (r *Repository) GetTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) (*models.TrustedDevice, error) {
	var device models.TrustedDevice
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND device_fingerprint = ? AND is_active = ?", userID, fingerprint, true).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询受信任设备失败: %w", err)
	}
	return &device, nil
}

// SaveTrustedDevice 保存受信任设备
func (r *Repository) SaveTrustedDevice(ctx context.Context, device *models.TrustedDevice) error {
	if err := r.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("保存受信任设备失败: %w", err)
	}
	return nil
}

// ListTrustedDevices 列出用户当前有效的受信任设备
func (r *Repository) ListTrustedDevices(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.TrustedDevice, error) {
	var devices []models.TrustedDevice
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, now).
		Order("created_at DESC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("查询受信任设备列表失败: %w", err)
	}
	return devices, nil
}

// RevokeTrustedDevice 吊销单个受信任设备
func (r *Repository) RevokeTrustedDevice(ctx context.Context, userID, deviceID uuid.UUID, now time.Time, revokedBy, reason string) error {
	var device models.TrustedDevice
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_active = ?", deviceID, userID, true).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("查询受信任设备失败: %w", err)
	}

	device.Revoke(now, revokedBy, reason)
	result := r.db.WithContext(ctx).Model(&models.TrustedDevice{}).
		Where("id = ? AND is_active = ?", device.ID, true).
		Select("is_active", "revoked_at", "revoked_by", "revoke_reason").
		Updates(&device)
	if result.Error != nil {
		return fmt.Errorf("吊销受信任设备失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllTrustedDevices 吊销用户全部受信任设备，返回吊销数量
func (r *Repository) RevokeAllTrustedDevices(ctx context.Context, userID uuid.UUID, now time.Time, revokedBy, reason string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.TrustedDevice{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{
			"is_active":     false,
			"revoked_at":    now,
			"revoked_by":    revokedBy,
			"revoke_reason": reason,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("吊销受信任设备失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteExpiredTrustedDevices 清理过期受信任设备，返回清理数量
func (r *Repository) DeleteExpiredTrustedDevices(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期受信任设备失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}
