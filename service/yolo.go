package service

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/detection"
	"github.com/hadeelrashaideh/medsec-project/model"
)

// ONNXDetector 通过 gocv DNN 运行 YOLOv8 ONNX 模型。
// Net 不是并发安全的，推理在互斥锁内执行
type ONNXDetector struct {
	mu        sync.Mutex
	net       gocv.Net
	inputSize int
	params    detection.YOLOParams
	logger    *zap.Logger
}

func NewONNXDetector(cfg *config.DetectorConfig, logger *zap.Logger) (*ONNXDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load onnx model %s", cfg.ModelPath)
	}
	_ = net.SetPreferableBackend(gocv.NetBackendDefault)
	_ = net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("onnx model loaded", zap.String("path", cfg.ModelPath), zap.Int("input_size", cfg.InputSize))

	return &ONNXDetector{
		net:       net,
		inputSize: cfg.InputSize,
		params: detection.YOLOParams{
			Confidence:    cfg.Confidence,
			IoU:           cfg.IoU,
			MaxDetections: cfg.MaxDetections,
			Classes:       cfg.Classes,
		},
		logger: logger,
	}, nil
}

func (d *ONNXDetector) Detect(ctx context.Context, img gocv.Mat) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output tensor: %w", err)
	}

	p := d.params
	p.ScaleX = float64(img.Cols()) / float64(d.inputSize)
	p.ScaleY = float64(img.Rows()) / float64(d.inputSize)

	dets, err := detection.DecodeYOLOv8(data, sizes[1]-4, sizes[2], p)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("yolo inference finished", zap.Int("detections", len(dets)))
	return dets, nil
}

func (d *ONNXDetector) Close() error {
	return d.net.Close()
}
