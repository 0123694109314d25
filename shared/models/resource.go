package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DataClassification 数据分级，级别从低到高
type DataClassification string

const (
	ClassificationPublic       DataClassification = "public"
	ClassificationInternal     DataClassification = "internal"
	ClassificationConfidential DataClassification = "confidential"
	ClassificationRestricted   DataClassification = "restricted"
	ClassificationTopSecret    DataClassification = "top_secret"
)

// RiskLevel 资源风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ResourceStatus 资源状态
type ResourceStatus string

const (
	ResourceStatusActive      ResourceStatus = "active"
	ResourceStatusInactive    ResourceStatus = "inactive"
	ResourceStatusArchived    ResourceStatus = "archived"
	ResourceStatusDeleted     ResourceStatus = "deleted"
	ResourceStatusMaintenance ResourceStatus = "maintenance"
	ResourceStatusQuarantined ResourceStatus = "quarantined"
)

// Resource 受访问控制的对象
//
// 不变式：仅当 status == active 且未过期时可被访问。
type Resource struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	ResourceType string    `json:"resource_type" gorm:"type:varchar(100);not null;uniqueIndex:idx_resource_natural_key"`
	Identifier   string    `json:"identifier" gorm:"type:varchar(255);not null;uniqueIndex:idx_resource_natural_key"`
	Name         string    `json:"name" gorm:"type:varchar(255)"`

	TenantID     uuid.UUID `json:"tenant_id" gorm:"type:uuid;index"`
	DepartmentID string    `json:"department_id" gorm:"type:varchar(100);index"`
	OwnerID      uuid.UUID `json:"owner_id" gorm:"type:uuid;index"`
	ProjectID    string    `json:"project_id" gorm:"type:varchar(100);index"`

	// 层级：父资源与派生的完整路径/深度
	ParentResourceID *uuid.UUID `json:"parent_resource_id" gorm:"type:uuid;index"`
	ResourcePath     string     `json:"resource_path" gorm:"type:text"`
	HierarchyLevel   int        `json:"hierarchy_level" gorm:"default:0"`

	Classification DataClassification `json:"classification" gorm:"type:varchar(50);not null;default:'public'"`
	RiskLevel      RiskLevel          `json:"risk_level" gorm:"type:varchar(50);not null;default:'low'"`
	Status         ResourceStatus     `json:"status" gorm:"type:varchar(50);not null;default:'active'"`

	Attributes          datatypes.JSONMap `json:"attributes,omitempty"` // ABAC谓词用自由属性
	DataResidencyRegion string            `json:"data_residency_region,omitempty" gorm:"type:varchar(50)"`

	ExpiresAt *time.Time `json:"expires_at"`
	CreatedBy string     `json:"created_by" gorm:"type:varchar(255)"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 表名
func (Resource) TableName() string {
	return "rbac_resources"
}

// IsExpired 资源是否已过期
func (r *Resource) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// IsAccessible 资源当前是否可访问
func (r *Resource) IsAccessible(now time.Time) bool {
	return r.Status == ResourceStatusActive && !r.IsExpired(now)
}

// IsOwnedBy 资源是否归属指定用户
func (r *Resource) IsOwnedBy(userID uuid.UUID) bool {
	return r.OwnerID == userID
}
