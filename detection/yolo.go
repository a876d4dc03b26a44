package detection

import (
	"fmt"
	"math"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// YOLOParams YOLOv8 输出解码参数
type YOLOParams struct {
	Confidence    float64
	IoU           float64
	MaxDetections int
	Classes       []string
	// 模型输入尺寸到原图尺寸的缩放比例
	ScaleX, ScaleY float64
}

func (p YOLOParams) label(class int) string {
	if class < len(p.Classes) && p.Classes[class] != "" {
		return p.Classes[class]
	}
	return fmt.Sprintf("class_%d", class)
}

// DecodeYOLOv8 解码形如 [1, 4+nc, anchors] 的输出张量：每个 anchor 为 (cx, cy, w, h, 各类别得分)。
// 结果经过置信度过滤、NMS，并按置信度降序截断到 MaxDetections
func DecodeYOLOv8(output []float32, numClasses, anchors int, p YOLOParams) ([]model.Detection, error) {
	rows := 4 + numClasses
	if numClasses <= 0 || anchors <= 0 {
		return nil, fmt.Errorf("decode yolov8: invalid shape %dx%d", rows, anchors)
	}
	if len(output) < rows*anchors {
		return nil, fmt.Errorf("decode yolov8: output has %d values, want %d", len(output), rows*anchors)
	}

	at := func(row, i int) float64 { return float64(output[row*anchors+i]) }

	var dets []model.Detection
	for i := 0; i < anchors; i++ {
		best, score := -1, 0.0
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, i); s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < p.Confidence {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := model.BoundingBox{
			X1: int(math.Round((cx - w/2) * p.ScaleX)),
			Y1: int(math.Round((cy - h/2) * p.ScaleY)),
			X2: int(math.Round((cx + w/2) * p.ScaleX)),
			Y2: int(math.Round((cy + h/2) * p.ScaleY)),
		}
		if box.Area() == 0 {
			continue
		}
		dets = append(dets, model.Detection{
			Box:        box,
			ClassLabel: p.label(best),
			Confidence: math.Min(1, score),
		})
	}

	dets = NMS(dets, p.IoU)
	if p.MaxDetections > 0 && len(dets) > p.MaxDetections {
		dets = dets[:p.MaxDetections]
	}
	return dets, nil
}
