package utils

import (
	"github.com/google/uuid"
)

// NewImageID 生成图片记录ID
func NewImageID() string {
	return uuid.NewString()
}

// NewRegionID 生成加密区域ID
func NewRegionID() string {
	return uuid.NewString()
}

// IsValidID reports whether id parses as a UUID.
func IsValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
