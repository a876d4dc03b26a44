package model

import (
	"errors"
	"fmt"
)

var (
	ErrDecode      = errors.New("image decode failed")
	ErrDetection   = errors.New("detection failed")
	ErrDecryption  = errors.New("decryption failed")
	ErrPersistence = errors.New("persistence failed")
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("record not found")
	ErrQueueFull   = errors.New("processing queue is full")
)

// PipelineError 脱敏流水线中某一阶段的失败
type PipelineError struct {
	ImageID string
	Stage   string
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s [%s]: %v", e.Stage, e.ImageID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ReconstructionError 还原失败且连脱敏图都无法返回
type ReconstructionError struct {
	ImageID string
	Err     error
}

func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("reconstruction [%s]: %v", e.ImageID, e.Err)
}

func (e *ReconstructionError) Unwrap() error { return e.Err }
