// Package handler 暴露脱敏核心的 HTTP 接口，只依赖接口，不直接依赖 OpenCV
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

type ImageProcessor interface {
	ProcessImage(ctx context.Context, upload model.Upload) (*model.ProcessResult, error)
}

type ImageRestorer interface {
	RestoreImage(ctx context.Context, rec *model.ImageRecord, opts model.RestoreOptions) (*model.RestoreResult, error)
	ForgetResults(ctx context.Context, imageID string) error
}

type RegionDecryptor interface {
	DecryptRegion(ctx context.Context, region model.EncryptedRegion) ([]byte, error)
	InvalidateRegion(ctx context.Context, regionID string) error
}

// CompositeOpener 解密落盘的诊断拼图
type CompositeOpener interface {
	Decrypt(ctx context.Context, data []byte) ([]byte, float64, error)
}

type EntropyRecalculator interface {
	Recalculate(ctx context.Context, imageID string) (*model.RecalculationSummary, error)
}

// statusFor 将错误类别映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDecode), errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrDetection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		utils.Logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// requireID 校验路径参数为 UUID
func requireID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if !utils.IsValidID(id) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "ID 参数无效",
		})
		return "", false
	}
	return id, true
}
