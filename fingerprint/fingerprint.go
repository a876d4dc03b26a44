// Package fingerprint 构建原图感知指纹（均值哈希、DCT 感知哈希、RGB 直方图）并计算相似度。
package fingerprint

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"

	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

const HistogramBins = 16

// Histogram 每通道 16 桶，min-max 归一化到 [0,1]
type Histogram struct {
	R []float32 `cbor:"r"`
	G []float32 `cbor:"g"`
	B []float32 `cbor:"b"`
}

func (h Histogram) channels() [3][]float32 {
	return [3][]float32{h.R, h.G, h.B}
}

// Compute 计算图像指纹，哈希均为 8×8 位，以 16 位十六进制字符串保存
func Compute(img image.Image) (model.Fingerprint, error) {
	if img == nil || img.Bounds().Empty() {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: empty image: %w", model.ErrDecode)
	}

	avg, err := goimagehash.AverageHash(img)
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: average hash: %w", err)
	}
	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: perceptual hash: %w", err)
	}

	hist, err := EncodeHistogram(ComputeHistogram(img))
	if err != nil {
		return model.Fingerprint{}, err
	}

	return model.Fingerprint{
		AverageHash:    formatHash(avg.GetHash()),
		PerceptualHash: formatHash(phash.GetHash()),
		ColorHistogram: hist,
	}, nil
}

// ComputeHistogram 统计 RGB 三通道直方图
func ComputeHistogram(img image.Image) Histogram {
	var counts [3][HistogramBins]float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			counts[0][(r>>8)>>4]++
			counts[1][(g>>8)>>4]++
			counts[2][(bl>>8)>>4]++
		}
	}
	return Histogram{
		R: minMaxNormalize(counts[0][:]),
		G: minMaxNormalize(counts[1][:]),
		B: minMaxNormalize(counts[2][:]),
	}
}

// minMaxNormalize 最大值与最小值相等时返回全零
func minMaxNormalize(counts []float64) []float32 {
	out := make([]float32, len(counts))
	lo, hi := counts[0], counts[0]
	for _, c := range counts {
		lo = min(lo, c)
		hi = max(hi, c)
	}
	if hi == lo {
		return out
	}
	for i, c := range counts {
		out[i] = float32((c - lo) / (hi - lo))
	}
	return out
}

func EncodeHistogram(h Histogram) ([]byte, error) {
	data, err := utils.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: encode histogram: %w", err)
	}
	return data, nil
}

func DecodeHistogram(data []byte) (Histogram, error) {
	var h Histogram
	if err := utils.Unmarshal(data, &h); err != nil {
		return Histogram{}, fmt.Errorf("fingerprint: decode histogram: %w", err)
	}
	for _, ch := range h.channels() {
		if len(ch) != HistogramBins {
			return Histogram{}, fmt.Errorf("fingerprint: histogram has %d bins, want %d", len(ch), HistogramBins)
		}
	}
	return h, nil
}

func formatHash(v uint64) string {
	return fmt.Sprintf("%016x", v)
}
