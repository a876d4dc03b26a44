package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// ResultCache 缓存还原结果，键由 (图片ID, 时间桶, enhance) 组成
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	bucket time.Duration
	now    func() time.Time
}

func NewResultCache(client *redis.Client, ttl, bucket time.Duration) *ResultCache {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	return &ResultCache{client: client, ttl: ttl, bucket: bucket, now: time.Now}
}

func (c *ResultCache) key(imageID string, enhance bool) string {
	b := c.now().UnixNano() / int64(c.bucket)
	return fmt.Sprintf("restore:%s:%d:%t", imageID, b, enhance)
}

// Get 未命中时返回 (nil, nil)
func (c *ResultCache) Get(ctx context.Context, imageID string, enhance bool) (*model.RestoreResult, error) {
	data, err := c.client.Get(ctx, c.key(imageID, enhance)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result model.RestoreResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ResultCache) Set(ctx context.Context, result *model.RestoreResult, enhance bool) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(result.ImageID, enhance), data, c.ttl).Err()
}

// Forget 删除当前时间桶内该图片的两种缓存结果
func (c *ResultCache) Forget(ctx context.Context, imageID string) error {
	return c.client.Del(ctx, c.key(imageID, false), c.key(imageID, true)).Err()
}
