package authz

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

// Repository 授权数据读写层
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建授权数据层
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// GetResource 按自然标识查询资源
func (r *Repository) GetResource(ctx context.Context, resourceType, identifier string) (*models.Resource, error) {
	var resource models.Resource
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND identifier = ?", resourceType, identifier).
		First(&resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询资源失败: %w", err)
	}
	return &resource, nil
}

// ListUserRoles 列出用户当前生效的角色
func (r *Repository) ListUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.UserRoleAssignment, error) {
	var assignments []models.UserRoleAssignment
	if err := r.db.WithContext(ctx).
		Preload("Role").
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("查询用户角色失败: %w", err)
	}

	// 只返回关联未过期且角色本身仍处于激活状态的记录
	effective := assignments[:0]
	for i := range assignments {
		if assignments[i].IsEffective(now) && assignments[i].Role.IsActive() {
			effective = append(effective, assignments[i])
		}
	}
	return effective, nil
}

// ListRolePermissions 列出角色持有的激活权限关联
func (r *Repository) ListRolePermissions(ctx context.Context, roleIDs []uuid.UUID) ([]models.RolePermissionAssignment, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var assignments []models.RolePermissionAssignment
	if err := r.db.WithContext(ctx).
		Preload("Permission").
		Where("role_id IN ? AND is_active = ?", roleIDs, true).
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("查询角色权限失败: %w", err)
	}
	return assignments, nil
}

// ListUserGrants 列出直接授予用户的生效权限
func (r *Repository) ListUserGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.UserPermissionGrant, error) {
	var grants []models.UserPermissionGrant
	if err := r.db.WithContext(ctx).
		Preload("Permission").
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("查询用户直授权限失败: %w", err)
	}

	effective := grants[:0]
	for i := range grants {
		if grants[i].IsEffective(now) {
			effective = append(effective, grants[i])
		}
	}
	return effective, nil
}

// collectEffectivePermissions 聚合用户全部生效权限
//
// 直授权限优先于角色权限进入候选序列，评估时先到先得。
// 携带委托约束的直授权限来源标记为delegated。
func (r *Repository) collectEffectivePermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]effectivePermission, error) {
	var effective []effectivePermission

	grants, err := r.ListUserGrants(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	for i := range grants {
		perm := grants[i].Permission
		if !perm.IsActive() {
			continue
		}
		source := SourceDirect
		if _, delegated := grants[i].Constraints["delegated_by"]; delegated {
			source = SourceDelegated
		}
		effective = append(effective, effectivePermission{
			permission:  &grants[i].Permission,
			source:      source,
			constraints: grants[i].Constraints,
		})
	}

	roles, err := r.ListUserRoles(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	roleIDs := make([]uuid.UUID, 0, len(roles))
	for i := range roles {
		roleIDs = append(roleIDs, roles[i].RoleID)
	}

	rolePerms, err := r.ListRolePermissions(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	for i := range rolePerms {
		if !rolePerms[i].Permission.IsActive() {
			continue
		}
		effective = append(effective, effectivePermission{
			permission:  &rolePerms[i].Permission,
			source:      SourceRole,
			constraints: rolePerms[i].Constraints,
		})
	}
	return effective, nil
}

// HasRole 用户是否持有指定名称的生效角色
func (r *Repository) HasRole(ctx context.Context, userID uuid.UUID, roleName string, now time.Time) (bool, error) {
	roles, err := r.ListUserRoles(ctx, userID, now)
	if err != nil {
		return false, err
	}
	for i := range roles {
		if roles[i].Role.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

// GetServiceAccount 按服务名查询服务账号
func (r *Repository) GetServiceAccount(ctx context.Context, serviceName string) (*models.ServiceAccount, error) {
	var account models.ServiceAccount
	err := r.db.WithContext(ctx).
		Where("service_name = ?", serviceName).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询服务账号失败: %w", err)
	}
	return &account, nil
}

// SaveServiceAccount 保存服务账号
func (r *Repository) SaveServiceAccount(ctx context.Context, account *models.ServiceAccount) error {
	if err := r.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("保存服务账号失败: %w", err)
	}
	return nil
}

// CreateServiceAccount 新增服务账号
func (r *Repository) CreateServiceAccount(ctx context.Context, account *models.ServiceAccount) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("创建服务账号失败: %w", err)
	}
	return nil
}

// TouchServiceAccount 更新服务账号最近使用时间
func (r *Repository) TouchServiceAccount(ctx context.Context, accountID uuid.UUID, now time.Time) error {
	if err := r.db.WithContext(ctx).Model(&models.ServiceAccount{}).
		Where("id = ?", accountID).
		Update("last_used_at", now).Error; err != nil {
		return fmt.Errorf("更新服务账号使用时间失败: %w", err)
	}
	return nil
}
