package utils

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FileHash 计算文件 BLAKE3 摘要
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// BytesHash 计算字节数组 BLAKE3 摘要（十六进制）
func BytesHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
