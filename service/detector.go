package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/model"
)

// Detector 目标检测器，作为黑盒使用。实现必须支持并发调用
type Detector interface {
	Detect(ctx context.Context, img gocv.Mat) ([]model.Detection, error)
	Close() error
}

// DetectorFactory 构造检测器，通常代价较高（加载模型）
type DetectorFactory func() (Detector, error)

type detectorHandle struct {
	Detector
}

// LazyDetector 首次使用时构造检测器，之后所有调用共享同一实例。
// 构造失败不会被缓存，下一次调用会重试
type LazyDetector struct {
	factory DetectorFactory
	mu      sync.Mutex
	handle  atomic.Pointer[detectorHandle]
	logger  *zap.Logger
}

func NewLazyDetector(factory DetectorFactory, logger *zap.Logger) *LazyDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LazyDetector{factory: factory, logger: logger}
}

func (d *LazyDetector) get() (Detector, error) {
	if h := d.handle.Load(); h != nil {
		return h.Detector, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if h := d.handle.Load(); h != nil {
		return h.Detector, nil
	}

	det, err := d.factory()
	if err != nil {
		d.logger.Error("failed to initialize detector", zap.Error(err))
		return nil, err
	}
	d.handle.Store(&detectorHandle{det})
	d.logger.Info("detector initialized")
	return det, nil
}

func (d *LazyDetector) Detect(ctx context.Context, img gocv.Mat) ([]model.Detection, error) {
	det, err := d.get()
	if err != nil {
		return nil, fmt.Errorf("%w: init: %v", model.ErrDetection, err)
	}
	dets, err := det.Detect(ctx, img)
	if err != nil {
		if errors.Is(err, model.ErrDetection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrDetection, err)
	}
	return dets, nil
}

// Warmup 提前加载模型
func (d *LazyDetector) Warmup() error {
	_, err := d.get()
	return err
}

func (d *LazyDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle.Swap(nil)
	if h == nil {
		return nil
	}
	return h.Close()
}

// NewDetectorFactory 根据配置选择检测后端
func NewDetectorFactory(cfg *config.DetectorConfig, logger *zap.Logger) (DetectorFactory, error) {
	switch cfg.Backend {
	case "onnx":
		return func() (Detector, error) { return NewONNXDetector(cfg, logger) }, nil
	case "remote":
		return func() (Detector, error) { return newCheckedRemoteDetector(cfg) }, nil
	case "cascade":
		return func() (Detector, error) { return NewCascadeDetector(cfg) }, nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

// newCheckedRemoteDetector 推理服务健康检查通过后才返回检测器
func newCheckedRemoteDetector(cfg *config.DetectorConfig) (Detector, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d := NewRemoteDetector(cfg)
	if err := d.CheckHealth(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
