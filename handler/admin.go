package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

// AdminHandler 管理接口，路由层负责鉴权
type AdminHandler struct {
	store        store.Store
	opener       CompositeOpener
	recalculator EntropyRecalculator
}

func NewAdminHandler(st store.Store, opener CompositeOpener, recalculator EntropyRecalculator) *AdminHandler {
	return &AdminHandler{store: st, opener: opener, recalculator: recalculator}
}

// Composite 解密并返回诊断拼图（空路径为占位图）
func (h *AdminHandler) Composite(c *gin.Context) {
	id, valid := requireID(c, "id")
	if !valid {
		return
	}

	ctx := c.Request.Context()
	rec, err := h.store.Load(ctx, id)
	if err != nil {
		fail(c, "查询失败", err)
		return
	}
	plain, _, err := h.opener.Decrypt(ctx, rec.Composite)
	if err != nil {
		fail(c, "拼图解密失败", err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", plain)
}

type recalculateRequest struct {
	ImageID string `json:"image_id" form:"image_id"`
}

// RecalculateEntropy 重算全部或单张图片的熵值
func (h *AdminHandler) RecalculateEntropy(c *gin.Context) {
	req := recalculateRequest{ImageID: c.Query("image_id")}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{
				Success: false,
				Message: "请求参数无效",
				Error:   err.Error(),
			})
			return
		}
	}
	if req.ImageID != "" && !utils.IsValidID(req.ImageID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "ID 参数无效",
		})
		return
	}

	summary, err := h.recalculator.Recalculate(c.Request.Context(), req.ImageID)
	if err != nil {
		fail(c, "熵值重算失败", err)
		return
	}
	ok(c, "重算完成", summary)
}
