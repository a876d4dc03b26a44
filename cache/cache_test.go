package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFIFOEvictsOldestInserted(t *testing.T) {
	c := NewFIFO(3)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	// reading does not refresh position
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", []byte("4"))
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 3, c.Len())

	// overwrite keeps original insertion order
	c.Put("b", []byte("22"))
	c.Put("e", []byte("5"))
	_, ok = c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestFIFOInvalidate(t *testing.T) {
	c := NewFIFO(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Invalidate("a")
	c.Invalidate("missing")

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	c.Put("c", []byte("3"))
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestFIFOCapacity50(t *testing.T) {
	c := NewFIFO(50)
	for i := 0; i < 60; i++ {
		c.Put(fmt.Sprintf("region-%d", i), []byte{byte(i)})
	}
	assert.Equal(t, 50, c.Len())
	_, ok := c.Get("region-9")
	assert.False(t, ok)
	_, ok = c.Get("region-10")
	assert.True(t, ok)
}

func TestFIFOConcurrent(t *testing.T) {
	c := NewFIFO(10)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", g, i)
				c.Put(key, []byte(key))
				c.Get(key)
				if i%3 == 0 {
					c.Invalidate(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 10)
}

func TestRedisTier(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	r := NewRedis(client, "medsec:region:", time.Hour)

	v, err := r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, r.Set(ctx, "r1", []byte("plain")))
	assert.True(t, mr.Exists("medsec:region:r1"))
	assert.Equal(t, time.Hour, mr.TTL("medsec:region:r1"))

	v, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), v)

	mr.FastForward(time.Hour + time.Second)
	v, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTwoTierPromotesSharedHits(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	shared := NewRedis(client, "p:", time.Hour)
	local := NewFIFO(50)
	c := NewTwoTier(local, shared, nil)

	require.NoError(t, shared.Set(ctx, "r1", []byte("from-shared")))
	v, ok := c.Get(ctx, "r1")
	require.True(t, ok)
	assert.Equal(t, []byte("from-shared"), v)

	lv, ok := local.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []byte("from-shared"), lv)
}

func TestTwoTierGetOrLoad(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewTwoTier(NewFIFO(50), NewRedis(client, "p:", time.Hour), nil)

	var calls int32
	load := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("decrypted"), nil
	}

	v, hit, err := c.GetOrLoad(ctx, "r1", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("decrypted"), v)
	assert.True(t, mr.Exists("p:r1"))

	v, hit, err = c.GetOrLoad(ctx, "r1", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("decrypted"), v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, _, err = c.GetOrLoad(ctx, "r2", func(context.Context) ([]byte, error) {
		return nil, errors.New("bad padding")
	})
	assert.ErrorContains(t, err, "bad padding")
	_, ok := c.Get(ctx, "r2")
	assert.False(t, ok)
}

func TestTwoTierGetOrLoadDetachedFromCaller(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewTwoTier(NewFIFO(50), NewRedis(client, "p:", time.Hour), nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("decrypted"), nil
	}

	type outcome struct {
		v   []byte
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		v, _, err := c.GetOrLoad(ctx, "r1", load)
		first <- outcome{v, err}
	}()

	<-started
	cancel()
	close(release)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, []byte("decrypted"), got.v)

	v, hit, err := c.GetOrLoad(context.Background(), "r1", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("decrypted"), v)

	shared, err := NewRedis(client, "p:", time.Hour).Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("decrypted"), shared)
}

func TestTwoTierInvalidateIsolated(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewTwoTier(NewFIFO(50), NewRedis(client, "p:", time.Hour), nil)

	c.Put(ctx, "r1", []byte("one"))
	c.Put(ctx, "r2", []byte("two"))
	require.NoError(t, c.Invalidate(ctx, "r1"))

	_, ok := c.Get(ctx, "r1")
	assert.False(t, ok)
	assert.False(t, mr.Exists("p:r1"))
	v, ok := c.Get(ctx, "r2")
	require.True(t, ok)
	assert.Equal(t, []byte("two"), v)
}

func TestTwoTierSharedOutage(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	core, logs := observer.New(zap.WarnLevel)
	c := NewTwoTier(NewFIFO(50), NewRedis(client, "p:", time.Hour), zap.New(core))

	mr.Close()
	v, hit, err := c.GetOrLoad(ctx, "r1", func(context.Context) ([]byte, error) {
		return []byte("decrypted"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("decrypted"), v)
	assert.NotZero(t, logs.Len())

	v, ok := c.Get(ctx, "r1")
	require.True(t, ok)
	assert.Equal(t, []byte("decrypted"), v)
}

func TestTwoTierLocalOnly(t *testing.T) {
	ctx := context.Background()
	c := NewTwoTier(NewFIFO(2), nil, nil)
	c.Put(ctx, "r1", []byte("one"))
	v, ok := c.Get(ctx, "r1")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), v)
	require.NoError(t, c.Invalidate(ctx, "r1"))
	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestResultCache(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	rc := NewResultCache(client, 5*time.Minute, 5*time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rc.now = func() time.Time { return now }

	got, err := rc.Get(ctx, "img", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	result := &model.RestoreResult{ImageID: "img", Image: []byte{1, 2, 3}, Report: model.QualityReport{Similarity: 0.8}}
	require.NoError(t, rc.Set(ctx, result, false))

	got, err = rc.Get(ctx, "img", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, result.Image, got.Image)
	assert.Equal(t, 0.8, got.Report.Similarity)

	enhanced, err := rc.Get(ctx, "img", true)
	require.NoError(t, err)
	assert.Nil(t, enhanced)

	// next bucket misses
	now = now.Add(5 * time.Minute)
	got, err = rc.Get(ctx, "img", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	now = now.Add(-5 * time.Minute)
	require.NoError(t, rc.Forget(ctx, "img"))
	got, err = rc.Get(ctx, "img", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}
