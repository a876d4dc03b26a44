package service

import (
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// 细节等级
const (
	DetailFlat     = "flat"
	DetailModerate = "moderate"
	DetailRich     = "rich"
)

// DetailInfo 区域的细节度量
type DetailInfo struct {
	Level         string
	EdgeDensity   float64
	ColorVariance float64
}

// DetailAnalyzer 衡量区域中残留的可辨识细节，用于评估脱敏效果
type DetailAnalyzer struct{}

func NewDetailAnalyzer() *DetailAnalyzer {
	return &DetailAnalyzer{}
}

// Analyze 分析区域细节，接受 1/3/4 通道图像
func (da *DetailAnalyzer) Analyze(img gocv.Mat) DetailInfo {
	bgr, err := matchChannels(img, 3)
	if err != nil {
		return DetailInfo{Level: DetailFlat}
	}
	defer bgr.Close()

	edgeDensity := da.edgeDensity(bgr)
	colorVariance := da.colorVariance(bgr)

	var level string
	switch {
	case edgeDensity < 0.05 && colorVariance < 30:
		level = DetailFlat
	case edgeDensity > 0.15 || colorVariance > 60:
		level = DetailRich
	default:
		level = DetailModerate
	}

	return DetailInfo{
		Level:         level,
		EdgeDensity:   edgeDensity,
		ColorVariance: colorVariance,
	}
}

// Compare 对比脱敏前后的细节
func (da *DetailAnalyzer) Compare(before, after gocv.Mat) *model.DetailReduction {
	b := da.Analyze(before)
	a := da.Analyze(after)
	return &model.DetailReduction{
		EdgeDensityBefore:   b.EdgeDensity,
		EdgeDensityAfter:    a.EdgeDensity,
		ColorVarianceBefore: b.ColorVariance,
		ColorVarianceAfter:  a.ColorVariance,
		LevelBefore:         b.Level,
		LevelAfter:          a.Level,
	}
}

// edgeDensity Canny 边缘像素占比
func (da *DetailAnalyzer) edgeDensity(img gocv.Mat) float64 {
	total := img.Rows() * img.Cols()
	if total == 0 {
		return 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	return float64(gocv.CountNonZero(edges)) / float64(total)
}

// colorVariance Lab 空间三通道标准差的均值
func (da *DetailAnalyzer) colorVariance(img gocv.Mat) float64 {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(img, &lab, gocv.ColorBGRToLab)

	mean := gocv.NewMat()
	stddev := gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lab, &mean, &stddev)

	if stddev.Rows() == 0 {
		return 0
	}
	variance := 0.0
	for i := 0; i < stddev.Rows(); i++ {
		variance += stddev.GetDoubleAt(i, 0)
	}
	return variance / float64(stddev.Rows())
}
