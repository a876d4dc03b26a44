// Package crypto 提供敏感区域的对称加解密。
//
// 密文布局固定：[0,16) 为随机 IV，[16,) 为 PKCS#7 填充后的 AES-256-CBC 密文。
// 已存储的区域依赖该布局，不可更改。
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hadeelrashaideh/medsec-project/model"
)

const (
	KeySize           = 32
	IVSize            = aes.BlockSize
	MinCiphertextSize = IVSize + aes.BlockSize

	minElapsedMs = 1.0
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// DecryptionError 密钥错误、密文损坏或填充无效
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Reason, e.Err)
	}
	return "crypto: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool {
	return target == model.ErrDecryption
}

// Encrypt 使用随机 IV 加密，返回 IV‖密文及耗时（毫秒，最低 1.0）
func Encrypt(plaintext, key []byte) ([]byte, float64, error) {
	return encrypt(rand.Reader, plaintext, key)
}

func encrypt(random io.Reader, plaintext, key []byte) ([]byte, float64, error) {
	start := time.Now()

	block, err := newBlock(key)
	if err != nil {
		return nil, 0, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	iv := out[:IVSize]
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, 0, fmt.Errorf("crypto: iv generation failure: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)
	return out, elapsedMs(start), nil
}

// Decrypt 解密 IV‖密文。输入不足 32 字节、长度非块大小整数倍或填充无效时返回 *DecryptionError，
// 不会返回部分数据
func Decrypt(data, key []byte) ([]byte, float64, error) {
	start := time.Now()

	if len(data) < MinCiphertextSize {
		return nil, 0, &DecryptionError{Reason: fmt.Sprintf("ciphertext too short: %d bytes", len(data))}
	}
	body := data[IVSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, 0, &DecryptionError{Reason: "ciphertext is not a multiple of the block size"}
	}

	block, err := newBlock(key)
	if err != nil {
		return nil, 0, &DecryptionError{Reason: "invalid key", Err: err}
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, data[:IVSize]).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, 0, &DecryptionError{Reason: "invalid padding", Err: err}
	}
	return plain, elapsedMs(start), nil
}

// SniffImage 根据魔数识别 JPEG/PNG，无法识别时返回空串
func SniffImage(data []byte) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "JPEG"
	case bytes.HasPrefix(data, pngMagic):
		return "PNG"
	default:
		return ""
	}
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: key must be 32 bytes for AES-256")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: block cipher failure: %w", err)
	}
	return block, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("padded data has invalid length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("padding byte out of range")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding bytes")
		}
	}
	return data[:len(data)-n], nil
}

func elapsedMs(start time.Time) float64 {
	ms := float64(time.Since(start).Microseconds()) / 1000
	return max(minElapsedMs, ms)
}
