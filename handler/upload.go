package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

type UploadHandler struct {
	cfg       *config.UploadConfig
	processor ImageProcessor
}

func NewUploadHandler(cfg *config.UploadConfig, processor ImageProcessor) *UploadHandler {
	return &UploadHandler{cfg: cfg, processor: processor}
}

// Upload 接收图片并运行脱敏流水线
func (h *UploadHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		utils.Logger.Warn("failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
			Error:   err.Error(),
		})
		return
	}

	// 验证文件大小
	if file.Size > h.cfg.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.MaxSize/(1024*1024)),
		})
		return
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的文件类型，仅支持 JPEG/PNG",
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		fail(c, "读取上传文件失败", err)
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.cfg.MaxSize+1))
	if err != nil {
		fail(c, "读取上传文件失败", err)
		return
	}

	utils.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("content_type", contentType),
		zap.Int64("size", file.Size))

	result, err := h.processor.ProcessImage(c.Request.Context(), model.Upload{
		Filename:    file.Filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		fail(c, "图片处理失败", err)
		return
	}

	message := "处理成功"
	if result.Record.Status == model.StatusEmpty {
		message = "未发现敏感区域: " + result.Record.EmptyReason
	}
	ok(c, message, result)
}

func (h *UploadHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}
