package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// IdentityContext 网关透传的调用方身份
//
// 本服务部署在API网关之后，用户身份由网关完成认证并经
// 请求头透传，缺失身份的请求一律拒绝。
func IdentityContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.GetHeader("X-User-ID"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "缺少调用方身份",
				"code":    "UNAUTHORIZED",
			})
			return
		}
		c.Set("user_id", userID)

		if tenantID, err := uuid.Parse(c.GetHeader("X-Tenant-ID")); err == nil {
			c.Set("tenant_id", tenantID)
		} else {
			c.Set("tenant_id", uuid.Nil)
		}

		c.Next()
	}
}

// UserID 从上下文取出调用方用户ID
func UserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// TenantID 从上下文取出调用方租户ID
func TenantID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get("tenant_id"); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
