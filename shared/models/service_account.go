package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ServiceAccount 非人类主体（服务账号）
//
// 不变式：仅当 active 且未过期时可用；目标服务与调用方IP须命中
// 各自的允许清单，清单为空表示不限制。
type ServiceAccount struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	ServiceName string    `json:"service_name" gorm:"type:varchar(255);not null;uniqueIndex"`
	Description string    `json:"description" gorm:"type:text"`
	TenantID    uuid.UUID `json:"tenant_id" gorm:"type:uuid;index"`

	// 服务账号挂靠的人类负责人
	OwnerUserID uuid.UUID `json:"owner_user_id" gorm:"type:uuid;not null;index"`

	// API密钥仅持久化哈希，明文只在创建/轮换时返回一次
	APIKeyHash string `json:"-" gorm:"type:varchar(100);not null;index"`

	AllowedServices datatypes.JSONSlice[string] `json:"allowed_services,omitempty"` // 允许调用的目标服务
	AllowedIPs      datatypes.JSONSlice[string] `json:"allowed_ips,omitempty"`      // 调用方IP白名单

	RequestsPerMinute int `json:"requests_per_minute" gorm:"default:600"`
	RequestsPerHour   int `json:"requests_per_hour" gorm:"default:10000"`

	IsActive      bool       `json:"is_active" gorm:"default:true"`
	ExpiresAt     *time.Time `json:"expires_at"`
	LastUsedAt    *time.Time `json:"last_used_at"`
	LastRotatedAt *time.Time `json:"last_rotated_at"`
	LastRotatedBy string     `json:"last_rotated_by,omitempty" gorm:"type:varchar(255)"`
	DisabledAt    *time.Time `json:"disabled_at"`
	DisabledBy    string     `json:"disabled_by,omitempty" gorm:"type:varchar(255)"`
	CreatedBy     string     `json:"created_by" gorm:"type:varchar(255)"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// 仅在创建/轮换后回传明文密钥，不入库
	PlainAPIKey string `json:"api_key,omitempty" gorm:"-"`
}

// TableName 表名
func (ServiceAccount) TableName() string {
	return "rbac_service_accounts"
}

// IsExpired 服务账号是否已过期
func (s *ServiceAccount) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// IsUsable 服务账号当前是否可用
func (s *ServiceAccount) IsUsable(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}

// IsServiceAllowed 是否允许调用目标服务，空清单表示不限制
func (s *ServiceAccount) IsServiceAllowed(target string) bool {
	if len(s.AllowedServices) == 0 {
		return true
	}
	for _, svc := range s.AllowedServices {
		if svc == target || svc == "*" {
			return true
		}
	}
	return false
}

// IsIPAllowed 调用方IP是否命中白名单，空清单表示不限制
func (s *ServiceAccount) IsIPAllowed(ip string) bool {
	if len(s.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range s.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}
