package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hadeelrashaideh/medsec-project/model"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminToken 校验管理接口令牌。token 为空时管理接口整体关闭
func AdminToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, model.ErrorResponse{
				Success: false,
				Message: "管理接口未启用",
			})
			return
		}
		got := []byte(c.GetHeader(AdminTokenHeader))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{
				Success: false,
				Message: "管理令牌无效",
			})
			return
		}
		c.Next()
	}
}
