package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hadeelrashaideh/medsec-project/crypto"
	"github.com/hadeelrashaideh/medsec-project/store"
)

type RegionHandler struct {
	store     store.Store
	decryptor RegionDecryptor
}

func NewRegionHandler(st store.Store, decryptor RegionDecryptor) *RegionHandler {
	return &RegionHandler{store: st, decryptor: decryptor}
}

// Decrypt 返回单个区域的明文图像
func (h *RegionHandler) Decrypt(c *gin.Context) {
	id, valid := requireID(c, "id")
	if !valid {
		return
	}

	ctx := c.Request.Context()
	region, err := h.store.LoadRegion(ctx, id)
	if err != nil {
		fail(c, "区域不存在", err)
		return
	}

	plain, err := h.decryptor.DecryptRegion(ctx, *region)
	if err != nil {
		fail(c, "区域解密失败", err)
		return
	}

	contentType := "application/octet-stream"
	if format := crypto.SniffImage(plain); format != "" {
		contentType = "image/" + strings.ToLower(format)
	}
	c.Data(http.StatusOK, contentType, plain)
}

// InvalidateCache 清除单个区域的解密缓存
func (h *RegionHandler) InvalidateCache(c *gin.Context) {
	id, valid := requireID(c, "id")
	if !valid {
		return
	}
	if err := h.decryptor.InvalidateRegion(c.Request.Context(), id); err != nil {
		fail(c, "清除缓存失败", err)
		return
	}
	ok(c, "缓存已清除", gin.H{"region_id": id})
}
