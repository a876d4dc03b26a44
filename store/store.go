// Package store 持久化脱敏记录：脱敏图、拼图、指纹与加密区域作为一个整体提交。
package store

import (
	"context"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// EntropyUpdate 批量重算后写回的熵值（1–8 量表）
type EntropyUpdate struct {
	Original       float64
	OriginalSource string
	Blurred        float64
	Encrypted      float64
}

// Store 持久化接口。Save 要么完整提交记录的所有部分，要么什么都不写
type Store interface {
	Save(ctx context.Context, rec *model.ImageRecord) error
	Load(ctx context.Context, id string) (*model.ImageRecord, error)
	LoadRegion(ctx context.Context, regionID string) (*model.EncryptedRegion, error)
	// Delete 删除记录及其区域，返回被删除的区域 ID
	Delete(ctx context.Context, id string) ([]string, error)
	List(ctx context.Context) ([]string, error)
	UpdateEntropy(ctx context.Context, id string, upd EntropyUpdate) error
	// RecordDecryption 以 0.7·旧值 + 0.3·新值 更新平均解密耗时
	RecordDecryption(ctx context.Context, imageID string, ms float64) error
	Close() error
}
