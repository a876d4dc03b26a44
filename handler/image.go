package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

type ImageHandler struct {
	store     store.Store
	restorer  ImageRestorer
	decryptor RegionDecryptor
}

func NewImageHandler(st store.Store, restorer ImageRestorer, decryptor RegionDecryptor) *ImageHandler {
	return &ImageHandler{store: st, restorer: restorer, decryptor: decryptor}
}

// Get 返回记录元数据（不含图像字节与密文）
func (h *ImageHandler) Get(c *gin.Context) {
	rec, found := h.load(c)
	if !found {
		return
	}
	ok(c, "查询成功", rec)
}

// Redacted 返回公开的脱敏图
func (h *ImageHandler) Redacted(c *gin.Context) {
	rec, found := h.load(c)
	if !found {
		return
	}
	servePNG(c, rec.RedactedImage)
}

// Restore 还原原图。raw=true 时直接返回 PNG，质量报告放在响应头中
func (h *ImageHandler) Restore(c *gin.Context) {
	rec, found := h.load(c)
	if !found {
		return
	}

	opts := model.RestoreOptions{
		Enhance:     queryBool(c, "enhance"),
		BypassCache: queryBool(c, "bypass_cache"),
	}
	result, err := h.restorer.RestoreImage(c.Request.Context(), rec, opts)
	if err != nil {
		fail(c, "图片还原失败", err)
		return
	}

	if queryBool(c, "raw") {
		c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
		c.Header("X-Restore-Quality", result.Report.Quality)
		c.Header("X-Restore-Similarity", strconv.FormatFloat(result.Report.Similarity, 'f', 4, 64))
		c.Header("X-Restore-Critical", strconv.FormatBool(result.Report.Critical))
		c.Data(http.StatusOK, "image/png", result.Image)
		return
	}

	message := "还原成功"
	if result.Report.Critical {
		message = result.Report.Error
	}
	ok(c, message, result)
}

// Delete 删除记录及其区域，并清除相关缓存
func (h *ImageHandler) Delete(c *gin.Context) {
	id, valid := requireID(c, "id")
	if !valid {
		return
	}

	ctx := c.Request.Context()
	regionIDs, err := h.store.Delete(ctx, id)
	if err != nil {
		fail(c, "删除失败", err)
		return
	}

	for _, rid := range regionIDs {
		if err := h.decryptor.InvalidateRegion(ctx, rid); err != nil {
			utils.Logger.Warn("failed to invalidate region cache", zap.String("region_id", rid), zap.Error(err))
		}
	}
	if err := h.restorer.ForgetResults(ctx, id); err != nil {
		utils.Logger.Warn("failed to forget restore results", zap.String("image_id", id), zap.Error(err))
	}

	ok(c, "删除成功", gin.H{"id": id, "regions": regionIDs})
}

func (h *ImageHandler) load(c *gin.Context) (*model.ImageRecord, bool) {
	id, valid := requireID(c, "id")
	if !valid {
		return nil, false
	}
	rec, err := h.store.Load(c.Request.Context(), id)
	if err != nil {
		fail(c, "查询失败", err)
		return nil, false
	}
	return rec, true
}

func queryBool(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
	return err == nil && v
}

// servePNG 以内容摘要作为 ETag，支持条件请求
func servePNG(c *gin.Context, data []byte) {
	etag := `"` + utils.BytesHash(data) + `"`
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}
