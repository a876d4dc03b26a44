package service

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/detection"
	"github.com/hadeelrashaideh/medsec-project/model"
)

// CascadeDetector 基于 Haar 级联的人脸检测，无需 ONNX 模型。
// 级联分类器不输出置信度，以检测框内的皮肤像素比例折算
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	params     config.DetectorConfig
}

func NewCascadeDetector(cfg *config.DetectorConfig) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.ModelPath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade %s", cfg.ModelPath)
	}
	return &CascadeDetector{classifier: classifier, params: *cfg}, nil
}

func (d *CascadeDetector) Detect(ctx context.Context, img gocv.Mat) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	d.mu.Lock()
	rects := d.classifier.DetectMultiScale(gray)
	d.mu.Unlock()

	skin := detectSkin(img)
	defer skin.Close()

	dets := make([]model.Detection, 0, len(rects))
	for _, r := range rects {
		conf := faceConfidence(skin, r)
		if conf < d.params.Confidence {
			continue
		}
		dets = append(dets, model.Detection{
			Box:        model.BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y},
			ClassLabel: "face",
			Confidence: conf,
		})
	}
	dets = detection.NMS(dets, d.params.IoU)
	return detection.Top(dets, d.params.MaxDetections), nil
}

func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}

// detectSkin 在 YCrCb 空间检测皮肤区域
func detectSkin(img gocv.Mat) gocv.Mat {
	ycrcb := gocv.NewMat()
	defer ycrcb.Close()
	gocv.CvtColor(img, &ycrcb, gocv.ColorBGRToYCrCb)

	lower := gocv.Scalar{Val1: 0, Val2: 133, Val3: 77, Val4: 0}
	upper := gocv.Scalar{Val1: 255, Val2: 173, Val3: 127, Val4: 255}

	skinMask := gocv.NewMat()
	gocv.InRangeWithScalar(ycrcb, lower, upper, &skinMask)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 5, Y: 5})
	defer kernel.Close()

	gocv.MorphologyEx(skinMask, &skinMask, gocv.MorphClose, kernel)
	gocv.MorphologyEx(skinMask, &skinMask, gocv.MorphOpen, kernel)

	return skinMask
}

// faceConfidence 0.5 + 0.5·皮肤比例
func faceConfidence(skin gocv.Mat, r image.Rectangle) float64 {
	r = r.Intersect(image.Rect(0, 0, skin.Cols(), skin.Rows()))
	if r.Empty() {
		return 0
	}
	region := skin.Region(r)
	defer region.Close()

	ratio := float64(gocv.CountNonZero(region)) / float64(r.Dx()*r.Dy())
	return min(1.0, 0.5+0.5*ratio)
}
