package service

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/model"
)

const (
	gridPadding     = 20
	gridCropsPerRow = 3
	gridCropSize    = 200
	gridBackground  = 240
)

var (
	textColor = color.RGBA{0, 0, 0, 0}
	boxColors = []color.RGBA{
		{0, 255, 0, 0},
		{0, 0, 255, 0},
		{255, 0, 0, 0},
		{0, 255, 255, 0},
		{255, 255, 0, 0},
	}
)

// gridCrop 拼图中的一个裁剪块
type gridCrop struct {
	mat   gocv.Mat
	label string
}

func rankLabel(rank int, d model.Detection) string {
	return fmt.Sprintf("#%d %s: %.2f", rank+1, d.ClassLabel, d.Confidence)
}

// renderPlaceholder 空路径的 600×300 浅灰占位图
func renderPlaceholder(reason string) ([]byte, error) {
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(gridBackground, gridBackground, gridBackground, 0), 300, 600, gocv.MatTypeCV8UC3)
	defer canvas.Close()
	gocv.PutText(&canvas, reason, image.Pt(50, 150), gocv.FontHersheySimplex, 1, textColor, 2)
	return encodePNG(canvas)
}

// drawDetections 在原图副本上绘制检测框与排名标签
func drawDetections(original gocv.Mat, dets []model.Detection) gocv.Mat {
	out := original.Clone()
	for rank, d := range dets {
		c := boxColors[rank%len(boxColors)]
		gocv.Rectangle(&out, d.Box.Rect(), c, 3)
		gocv.PutText(&out, rankLabel(rank, d), image.Pt(d.Box.X1, max(15, d.Box.Y1-10)), gocv.FontHersheySimplex, 0.9, c, 2)
	}
	return out
}

// renderGrid 第一行：原图、检测结果、脱敏图；下方为 200×200 的裁剪块，每行 3 个
func renderGrid(original, detections, redacted gocv.Mat, crops []gridCrop, maxWidth int) ([]byte, error) {
	targetWidth := min(maxWidth, original.Cols())
	targetHeight := max(1, original.Rows()*targetWidth/original.Cols())
	size := image.Pt(targetWidth, targetHeight)

	panels := []gocv.Mat{original, detections, redacted}
	titles := []string{"Original", "Detection Result", "Blurred"}

	nCrops := len(crops)
	nCropRows := (nCrops + gridCropsPerRow - 1) / gridCropsPerRow
	cropsPerRow := min(nCrops, gridCropsPerRow)

	row1Width := targetWidth*3 + gridPadding*2
	cropsWidth := 0
	cropsHeight := 0
	if nCrops > 0 {
		cropsWidth = cropsPerRow*gridCropSize + (cropsPerRow-1)*gridPadding
		cropsHeight = nCropRows*gridCropSize + (nCropRows-1)*gridPadding
	}
	totalWidth := max(row1Width, cropsWidth)
	totalHeight := targetHeight + cropsHeight + gridPadding*2

	bg := float64(gridBackground)
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(bg, bg, bg, 0), totalHeight, totalWidth, gocv.MatTypeCV8UC3)
	defer canvas.Close()

	for i, panel := range panels {
		resized := gocv.NewMat()
		gocv.Resize(panel, &resized, size, 0, 0, gocv.InterpolationLinear)
		x := i * (targetWidth + gridPadding)
		err := applyRegion(&canvas, image.Rect(x, 0, x+targetWidth, targetHeight), resized)
		resized.Close()
		if err != nil {
			return nil, fmt.Errorf("compose panel %d: %w", i, err)
		}
		gocv.PutText(&canvas, titles[i], image.Pt(x+10, 30), gocv.FontHersheySimplex, 1, textColor, 2)
	}

	startY := targetHeight + gridPadding
	for i, crop := range crops {
		row := i / gridCropsPerRow
		col := i % gridCropsPerRow
		x := col * (gridCropSize + gridPadding)
		y := startY + row*(gridCropSize+gridPadding)

		scaled := gocv.NewMat()
		gocv.Resize(crop.mat, &scaled, image.Pt(gridCropSize, gridCropSize), 0, 0, gocv.InterpolationLinear)
		err := applyRegion(&canvas, image.Rect(x, y, x+gridCropSize, y+gridCropSize), scaled)
		scaled.Close()
		if err != nil {
			return nil, fmt.Errorf("compose crop %d: %w", i, err)
		}
		labelY := min(totalHeight-2, y+gridCropSize+15)
		gocv.PutText(&canvas, crop.label, image.Pt(x, labelY), gocv.FontHersheySimplex, 0.5, textColor, 1)
	}

	return encodePNG(canvas)
}
