package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// KeyProvider 提供进程级 256 位对称密钥。返回值是副本，调用方可自行清零
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// StaticKey 配置中的静态密钥
type StaticKey struct {
	key []byte
}

func NewStaticKey(hexKey string) (*StaticKey, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		zero(key)
		return nil, fmt.Errorf("crypto: key must be %d bytes for AES-256, got %d", KeySize, len(key))
	}
	return &StaticKey{key: key}, nil
}

func (k *StaticKey) Key(context.Context) ([]byte, error) {
	return clone(k.key), nil
}

// Destroy 清零密钥
func (k *StaticKey) Destroy() {
	zero(k.key)
}

// KeySource 外部密钥协商方（例如 DH 握手）交付的密钥
type KeySource func(ctx context.Context) ([]byte, error)

// FileKeySource 从文件读取十六进制密钥
func FileKeySource(path string) KeySource {
	return func(context.Context) ([]byte, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		defer zero(raw)
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid key encoding: %w", err)
		}
		return key, nil
	}
}

// CachedKey 缓存 KeySource 的结果直到过期
type CachedKey struct {
	mu      sync.Mutex
	source  KeySource
	ttl     time.Duration
	now     func() time.Time
	key     []byte
	expires time.Time
}

func NewCachedKey(source KeySource, ttl time.Duration) *CachedKey {
	return &CachedKey{source: source, ttl: ttl, now: time.Now}
}

func (k *CachedKey) Key(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil && k.now().Before(k.expires) {
		return clone(k.key), nil
	}

	key, err := k.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: key provisioning failed: %w", err)
	}
	if len(key) != KeySize {
		zero(key)
		return nil, fmt.Errorf("crypto: provisioned key must be %d bytes, got %d", KeySize, len(key))
	}

	zero(k.key)
	k.key = clone(key)
	zero(key)
	k.expires = k.now().Add(k.ttl)
	return clone(k.key), nil
}

// Invalidate 丢弃缓存密钥，下次调用重新获取
func (k *CachedKey) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	zero(k.key)
	k.key = nil
}

// GenerateKeyHex 生成随机 256 位密钥（十六进制）
func GenerateKeyHex() (string, error) {
	key := make([]byte, KeySize)
	defer zero(key)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto: key generation failure: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
