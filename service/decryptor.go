package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/cache"
	"github.com/hadeelrashaideh/medsec-project/crypto"
	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
)

// RegionDecryptor 通过两级缓存解密区域，缓存键为区域 ID
type RegionDecryptor struct {
	crypto *crypto.Service
	cache  *cache.TwoTier
	store  store.Store
	logger *zap.Logger
}

// NewRegionDecryptor st 可以为 nil，此时不记录解密耗时
func NewRegionDecryptor(cs *crypto.Service, c *cache.TwoTier, st store.Store, logger *zap.Logger) *RegionDecryptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegionDecryptor{crypto: cs, cache: c, store: st, logger: logger}
}

// DecryptRegion 返回区域明文（编码后的图像字节）。解密失败时返回 *crypto.DecryptionError
func (d *RegionDecryptor) DecryptRegion(ctx context.Context, region model.EncryptedRegion) ([]byte, error) {
	plain, hit, err := d.cache.GetOrLoad(ctx, region.ID, func(ctx context.Context) ([]byte, error) {
		plain, ms, err := d.crypto.Decrypt(ctx, region.Ciphertext)
		if err != nil {
			return nil, err
		}
		d.recordTiming(ctx, region.ImageID, ms)
		return plain, nil
	})
	if err != nil {
		d.logger.Warn("region decryption failed",
			zap.String("region_id", region.ID),
			zap.String("image_id", region.ImageID),
			zap.Error(err))
		return nil, err
	}

	d.logger.Debug("region decrypted",
		zap.String("region_id", region.ID),
		zap.Bool("cache_hit", hit),
		zap.Int("size", len(plain)))
	return plain, nil
}

// InvalidateRegion 清除单个区域在两级缓存中的明文
func (d *RegionDecryptor) InvalidateRegion(ctx context.Context, regionID string) error {
	return d.cache.Invalidate(ctx, regionID)
}

func (d *RegionDecryptor) recordTiming(ctx context.Context, imageID string, ms float64) {
	if d.store == nil || imageID == "" {
		return
	}
	if err := d.store.RecordDecryption(ctx, imageID, ms); err != nil {
		d.logger.Warn("failed to record decryption time",
			zap.String("image_id", imageID),
			zap.Error(err))
	}
}
