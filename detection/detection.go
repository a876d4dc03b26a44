// Package detection 检测结果的后处理：校验、裁剪、覆盖率过滤、排序、NMS 与 YOLOv8 输出解码。
package detection

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/hadeelrashaideh/medsec-project/model"
)

var validate = validator.New()

// ValidationError 检测器返回了非法的检测框或置信度
type ValidationError struct {
	Index int
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("detection %d: %v", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool {
	return target == model.ErrValidation
}

// Validate 拒绝坐标倒置、缺少类别或置信度不在 [0,1] 的检测。越界坐标由 Clamp 处理
func Validate(dets []model.Detection) error {
	for i := range dets {
		if err := validate.Struct(dets[i]); err != nil {
			return &ValidationError{Index: i, Err: err}
		}
	}
	return nil
}

// Clamp 将检测框限制在图像内，裁剪后面积为零时返回 false
func Clamp(d model.Detection, width, height int) (model.Detection, bool) {
	d.Box = d.Box.Clamp(width, height)
	return d, d.Box.Area() > 0
}

// Coverage 检测框面积占图像面积的比例
func Coverage(box model.BoundingBox, width, height int) float64 {
	total := width * height
	if total <= 0 {
		return 0
	}
	return float64(box.Area()) / float64(total)
}

// FilterCoverage 丢弃覆盖率严格大于 maxCoverage 的检测
func FilterCoverage(dets []model.Detection, width, height int, maxCoverage float64) []model.Detection {
	kept := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if Coverage(d.Box, width, height) > maxCoverage {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// Rank 按置信度降序排序，置信度相同时保持原顺序
func Rank(dets []model.Detection) []model.Detection {
	ranked := make([]model.Detection, len(dets))
	copy(ranked, dets)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

// Top 排序后取前 n 个
func Top(dets []model.Detection, n int) []model.Detection {
	ranked := Rank(dets)
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// IoU 两个框的交并比
func IoU(a, b model.BoundingBox) float64 {
	inter := model.BoundingBox{
		X1: max(a.X1, b.X1),
		Y1: max(a.Y1, b.Y1),
		X2: min(a.X2, b.X2),
		Y2: min(a.Y2, b.Y2),
	}.Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// NMS 按类别做非极大值抑制，返回结果按置信度降序
func NMS(dets []model.Detection, iouThreshold float64) []model.Detection {
	ranked := Rank(dets)
	suppressed := make([]bool, len(ranked))
	kept := make([]model.Detection, 0, len(ranked))

	for i := range ranked {
		if suppressed[i] {
			continue
		}
		kept = append(kept, ranked[i])
		for j := i + 1; j < len(ranked); j++ {
			if suppressed[j] || ranked[j].ClassLabel != ranked[i].ClassLabel {
				continue
			}
			if IoU(ranked[i].Box, ranked[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
