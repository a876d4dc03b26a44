package crypto

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Service 绑定密钥提供方的加解密服务
type Service struct {
	keys   KeyProvider
	logger *zap.Logger
}

func NewService(keys KeyProvider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{keys: keys, logger: logger}
}

func (s *Service) Encrypt(ctx context.Context, plaintext []byte) ([]byte, float64, error) {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer zero(key)
	return Encrypt(plaintext, key)
}

// Decrypt 解密后检查图像魔数，不匹配时只记录警告（容忍可恢复的损坏数据）
func (s *Service) Decrypt(ctx context.Context, data []byte) ([]byte, float64, error) {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return nil, 0, &DecryptionError{Reason: "key unavailable", Err: err}
	}
	defer zero(key)

	plain, ms, err := Decrypt(data, key)
	if err != nil {
		return nil, 0, err
	}

	if SniffImage(plain) == "" {
		s.logger.Warn("decrypted data has no known image header",
			zap.Int("size", len(plain)),
			zap.String("head", fmt.Sprintf("% x", plain[:min(4, len(plain))])),
		)
	}
	return plain, ms, nil
}
