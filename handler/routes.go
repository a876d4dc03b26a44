package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// Handlers 路由所需的全部处理器。AdminAuth 为空时管理接口一律拒绝
type Handlers struct {
	Upload    *UploadHandler
	Image     *ImageHandler
	Region    *RegionHandler
	Admin     *AdminHandler
	AdminAuth gin.HandlerFunc
}

// Register 注册 /api/v1 路由
func (h *Handlers) Register(r gin.IRouter) {
	api := r.Group("/api/v1")
	{
		api.POST("/images", h.Upload.Upload)
		api.GET("/images/:id", h.Image.Get)
		api.GET("/images/:id/redacted", h.Image.Redacted)
		api.GET("/images/:id/restore", h.Image.Restore)
		api.DELETE("/images/:id", h.Image.Delete)

		api.GET("/regions/:id/decrypt", h.Region.Decrypt)
		api.DELETE("/regions/:id/cache", h.Region.InvalidateCache)
	}

	// 拼图含未脱敏原图，只对管理端开放
	admin := api.Group("/admin", h.adminAuth())
	{
		admin.GET("/images/:id/composite", h.Admin.Composite)
		admin.POST("/entropy/recalculate", h.Admin.RecalculateEntropy)
	}
}

func (h *Handlers) adminAuth() gin.HandlerFunc {
	if h.AdminAuth != nil {
		return h.AdminAuth
	}
	return func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusForbidden, model.ErrorResponse{
			Success: false,
			Message: "管理接口未启用",
		})
	}
}
