package cache

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader 缓存未命中时产生明文，例如解密
type Loader func(ctx context.Context) ([]byte, error)

// TwoTier 先查本地 FIFO，再查共享层（命中后提升到本地），都未命中时调用 Loader 并回填两层。
// 共享层故障只记录警告并视为未命中。
type TwoTier struct {
	local  *FIFO
	shared *Redis
	group  singleflight.Group
	logger *zap.Logger
}

// NewTwoTier shared 可以为 nil，此时只使用本地层
func NewTwoTier(local *FIFO, shared *Redis, logger *zap.Logger) *TwoTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoTier{local: local, shared: shared, logger: logger}
}

func (c *TwoTier) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.Get(key); ok {
		return v, true
	}
	if c.shared == nil {
		return nil, false
	}

	v, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	c.local.Put(key, v)
	return v, true
}

func (c *TwoTier) Put(ctx context.Context, key string, value []byte) {
	c.local.Put(key, value)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, value); err != nil {
		c.logger.Warn("shared cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate 同时清除两层中的单个键，不影响其他键
func (c *TwoTier) Invalidate(ctx context.Context, key string) error {
	c.local.Invalidate(key)
	if c.shared == nil {
		return nil
	}
	return c.shared.Delete(ctx, key)
}

// GetOrLoad 读穿缓存。并发请求同一个键时只调用一次 load。hit 表示命中任一缓存层
func (c *TwoTier) GetOrLoad(ctx context.Context, key string, load Loader) (value []byte, hit bool, err error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// 等待者共享同一次加载，不能随首个调用方一起取消
		loadCtx := context.WithoutCancel(ctx)
		data, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Put(loadCtx, key, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}
