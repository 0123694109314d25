package backupcode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/enterprise-platform/identity-security/internal/otp"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/models"
)

const (
	// CodeLength 备用码字符数
	CodeLength = 8
	// DefaultCodeCount 每批生成的备用码数量
	DefaultCodeCount = 10
	// MinRemainingCodes 剩余量低水位，低于等于该值时提示重新生成
	MinRemainingCodes = 2
)

// ErrCodeInvalid 备用码不存在、已使用或不匹配
var ErrCodeInvalid = errors.New("备用码无效或已使用")

// ConsumeResult 备用码核销结果
type ConsumeResult struct {
	Remaining      int  `json:"remaining"`
	RegenerateHint bool `json:"regenerate_hint"`
}

// Service 备用恢复码服务
//
// 备用码仅存储bcrypt哈希，明文只在生成时返回一次。
type Service struct {
	db     *gorm.DB
	logger logger.Logger

	// 按用户分片的串行化锁
	locks [64]sync.Mutex
}

// NewService 创建备用码服务
func NewService(db *gorm.DB, log logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: log,
	}
}

// userLock 返回指定用户所在分片的串行化锁
//
// 锁按固定分片取用，占用不随用户数增长，不同用户可能共享分片。
func (s *Service) userLock(userID uuid.UUID) *sync.Mutex {
	return &s.locks[int(userID[0])%len(s.locks)]
}

// GenerateCodes 为用户生成一批新备用码
//
// 旧批次在同一事务内整体作废，不存在新旧混用的中间状态。
// 返回的明文码只此一次，之后无法再取回。
func (s *Service) GenerateCodes(ctx context.Context, userID uuid.UUID, count int) ([]string, error) {
	if count <= 0 {
		count = DefaultCodeCount
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	plaintexts := make([]string, 0, count)
	records := make([]models.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := otp.GenerateAlphanumericCode(CodeLength)
		if err != nil {
			return nil, fmt.Errorf("生成备用码失败: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("哈希备用码失败: %w", err)
		}
		plaintexts = append(plaintexts, FormatCode(code))
		records = append(records, models.BackupCode{
			UserID:   userID,
			CodeHash: string(hash),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.BackupCode{}).Error; err != nil {
			return fmt.Errorf("作废旧备用码失败: %w", err)
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("保存备用码失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"count":   count,
	}).Info("已生成新一批备用码")

	return plaintexts, nil
}

// VerifyAndConsume 验证并核销一个备用码
//
// 每个码只能使用一次。并发提交同一个码时，
// 条件更新保证只有一次核销成功。
func (s *Service) VerifyAndConsume(ctx context.Context, userID uuid.UUID, code, clientIP, userAgent string) (*ConsumeResult, error) {
	normalized := NormalizeCode(code)
	if len(normalized) != CodeLength {
		return nil, ErrCodeInvalid
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var candidates []models.BackupCode
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_used = ?", userID, false).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("查询备用码失败: %w", err)
	}

	var matched *models.BackupCode
	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].CodeHash), []byte(normalized)) == nil {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		s.logger.WithField("user_id", userID).Warn("备用码验证失败")
		return nil, ErrCodeInvalid
	}

	matched.MarkUsed(time.Now(), clientIP, userAgent)
	result := s.db.WithContext(ctx).Model(&models.BackupCode{}).
		Where("id = ? AND is_used = ?", matched.ID, false).
		Select("is_used", "used_at", "used_ip", "used_agent").
		Updates(matched)
	if result.Error != nil {
		return nil, fmt.Errorf("核销备用码失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrCodeInvalid
	}

	remaining, err := s.RemainingCount(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"remaining": remaining,
	}).Info("备用码核销成功")

	return &ConsumeResult{
		Remaining:      remaining,
		RegenerateHint: remaining <= MinRemainingCodes,
	}, nil
}

// RemainingCount 返回用户未使用的备用码数量
func (s *Service) RemainingCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BackupCode{}).
		Where("user_id = ? AND is_used = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计备用码失败: %w", err)
	}
	return int(count), nil
}

// InvalidateAll 作废用户全部备用码
func (s *Service) InvalidateAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.BackupCode{}).Error; err != nil {
		return fmt.Errorf("作废备用码失败: %w", err)
	}
	s.logger.WithField("user_id", userID).Info("已作废用户全部备用码")
	return nil
}

// NormalizeCode 去除分隔符并统一为大写
func NormalizeCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ':
			return -1
		}
		return r
	}, code)
	return strings.ToUpper(cleaned)
}

// FormatCode 以XXXX-XXXX形式展示备用码
func FormatCode(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}
