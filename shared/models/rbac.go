package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PermissionType 权限类型
type PermissionType string

const (
	PermissionTypeSystem         PermissionType = "system"
	PermissionTypeResource       PermissionType = "resource"
	PermissionTypeFunctional     PermissionType = "functional"
	PermissionTypeData           PermissionType = "data"
	PermissionTypeApi            PermissionType = "api"
	PermissionTypeUi             PermissionType = "ui"
	PermissionTypeAdministrative PermissionType = "administrative"
)

// PermissionScope 权限作用域
type PermissionScope string

const (
	ScopeGlobal     PermissionScope = "global"
	ScopeTenant     PermissionScope = "tenant"
	ScopeDepartment PermissionScope = "department"
	ScopeProject    PermissionScope = "project"
	ScopeInstance   PermissionScope = "instance"
	ScopeOwned      PermissionScope = "owned"
	ScopeDelegated  PermissionScope = "delegated"
)

// PermissionStatus 权限状态
type PermissionStatus string

const (
	PermissionStatusActive          PermissionStatus = "active"
	PermissionStatusInactive        PermissionStatus = "inactive"
	PermissionStatusDeprecated      PermissionStatus = "deprecated"
	PermissionStatusSuspended       PermissionStatus = "suspended"
	PermissionStatusPendingApproval PermissionStatus = "pending_approval"
)

// RoleStatus 角色状态
type RoleStatus string

const (
	RoleStatusActive   RoleStatus = "active"
	RoleStatusInactive RoleStatus = "inactive"
	RoleStatusArchived RoleStatus = "archived"
)

// Permission 权限定义
type Permission struct {
	ID           uuid.UUID         `json:"id" gorm:"type:uuid;primary_key"`
	Name         string            `json:"name" gorm:"type:varchar(255);not null;uniqueIndex"`
	Description  string            `json:"description" gorm:"type:text"`
	Type         PermissionType    `json:"type" gorm:"type:varchar(50);not null"`
	Scope        PermissionScope   `json:"scope" gorm:"type:varchar(50);not null;default:'tenant'"`
	Status       PermissionStatus  `json:"status" gorm:"type:varchar(50);not null;default:'active'"`
	ResourceType string            `json:"resource_type" gorm:"type:varchar(100);not null"` // "*"表示匹配所有资源类型
	Action       string            `json:"action" gorm:"type:varchar(100);not null"`        // "*"表示匹配所有操作
	Attributes   datatypes.JSONMap `json:"attributes,omitempty"`                            // ABAC属性约束
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TableName 表名
func (Permission) TableName() string {
	return "rbac_permissions"
}

// IsActive 权限是否处于激活状态
func (p *Permission) IsActive() bool {
	return p.Status == PermissionStatusActive
}

// Matches 权限是否匹配指定的资源类型与操作
func (p *Permission) Matches(resourceType, action string) bool {
	if p.ResourceType != "*" && p.ResourceType != resourceType {
		return false
	}
	if p.Action != "*" && p.Action != action {
		return false
	}
	return true
}

// Role 角色定义
type Role struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	TenantID    uuid.UUID  `json:"tenant_id" gorm:"type:uuid;index"`
	Name        string     `json:"name" gorm:"type:varchar(255);not null;index"`
	Description string     `json:"description" gorm:"type:text"`
	Status      RoleStatus `json:"status" gorm:"type:varchar(50);not null;default:'active'"`
	IsSystem    bool       `json:"is_system" gorm:"default:false"`
	CreatedBy   string     `json:"created_by" gorm:"type:varchar(255)"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName 表名
func (Role) TableName() string {
	return "rbac_roles"
}

// IsActive 角色是否处于激活状态
func (r *Role) IsActive() bool {
	return r.Status == RoleStatusActive
}

// RolePermissionAssignment 角色-权限关联
//
// 连接自身携带激活标志与附加约束，角色可以有条件地持有权限
// 而不必修改权限本身。
type RolePermissionAssignment struct {
	ID           uuid.UUID         `json:"id" gorm:"type:uuid;primary_key"`
	RoleID       uuid.UUID         `json:"role_id" gorm:"type:uuid;not null;index"`
	PermissionID uuid.UUID         `json:"permission_id" gorm:"type:uuid;not null;index"`
	IsActive     bool              `json:"is_active" gorm:"default:true"`
	Constraints  datatypes.JSONMap `json:"constraints,omitempty"`
	GrantedBy    string            `json:"granted_by" gorm:"type:varchar(255)"`
	CreatedAt    time.Time         `json:"created_at"`

	Role       Role       `json:"-" gorm:"foreignKey:RoleID"`
	Permission Permission `json:"-" gorm:"foreignKey:PermissionID"`
}

// TableName 表名
func (RolePermissionAssignment) TableName() string {
	return "rbac_role_permissions"
}

// UserRoleAssignment 用户-角色关联
type UserRoleAssignment struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	RoleID    uuid.UUID  `json:"role_id" gorm:"type:uuid;not null;index"`
	IsActive  bool       `json:"is_active" gorm:"default:true"`
	ExpiresAt *time.Time `json:"expires_at"`
	GrantedBy string     `json:"granted_by" gorm:"type:varchar(255)"`
	CreatedAt time.Time  `json:"created_at"`

	Role Role `json:"-" gorm:"foreignKey:RoleID"`
}

// TableName 表名
func (UserRoleAssignment) TableName() string {
	return "rbac_user_roles"
}

// IsEffective 关联当前是否生效
func (a *UserRoleAssignment) IsEffective(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// UserPermissionGrant 直接授予用户的权限（不经过角色）
type UserPermissionGrant struct {
	ID           uuid.UUID         `json:"id" gorm:"type:uuid;primary_key"`
	UserID       uuid.UUID         `json:"user_id" gorm:"type:uuid;not null;index"`
	PermissionID uuid.UUID         `json:"permission_id" gorm:"type:uuid;not null;index"`
	IsActive     bool              `json:"is_active" gorm:"default:true"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	Constraints  datatypes.JSONMap `json:"constraints,omitempty"`
	GrantedBy    string            `json:"granted_by" gorm:"type:varchar(255)"`
	CreatedAt    time.Time         `json:"created_at"`

	Permission Permission `json:"-" gorm:"foreignKey:PermissionID"`
}

// TableName 表名
func (UserPermissionGrant) TableName() string {
	return "rbac_user_permissions"
}

// IsEffective 授权当前是否生效
func (g *UserPermissionGrant) IsEffective(now time.Time) bool {
	if !g.IsActive {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}
