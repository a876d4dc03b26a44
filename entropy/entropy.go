// Package entropy 计算字节/像素缓冲区的香农熵及分布特征。
package entropy

import "math"

const MaxBits = 8.0

// Shannon 计算 256 桶直方图的香农熵（bits，范围 [0,8]），空输入返回 0
func Shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var hist [256]int
	for _, b := range data {
		hist[b]++
	}
	return fromHistogram(hist[:], len(data))
}

// Pixels 计算交织像素缓冲区的熵：三通道及以上按前三个通道分别计算后取平均，
// 其余通道数按扁平字节计算
func Pixels(data []byte, channels int) float64 {
	if len(data) == 0 {
		return 0
	}
	if channels < 3 {
		return Shannon(data)
	}

	n := len(data) / channels
	if n == 0 {
		return 0
	}
	var hists [3][256]int
	for i := 0; i < n; i++ {
		off := i * channels
		hists[0][data[off]]++
		hists[1][data[off+1]]++
		hists[2][data[off+2]]++
	}

	var sum float64
	for c := range hists {
		sum += fromHistogram(hists[c][:], n)
	}
	return sum / 3
}

func fromHistogram(hist []int, total int) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	t := float64(total)
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / t
		h -= p * math.Log2(p)
	}
	return clamp(h, 0, MaxBits)
}

// Normalize 分段线性映射，拉开高熵区间（加密数据）的差异
func Normalize(raw float64) float64 {
	switch {
	case raw > 7.9:
		return 8.0
	case raw > 7.7:
		return 7.8 + (raw-7.7)*0.67
	case raw > 7.5:
		return 7.5 + (raw-7.5)*1.5
	case raw > 7.0:
		return 6.5 + (raw-7.0)*2.0
	case raw > 0:
		return raw
	default:
		return 0
	}
}

// Scale 将原始熵映射到界面使用的 [1,8] 区间
func Scale(raw float64) float64 {
	return ToScaled(Normalize(raw))
}

// ToScaled maps a value in [0,8] linearly onto [1,8] without normalization.
func ToScaled(v float64) float64 {
	return 1.0 + clamp(v, 0, MaxBits)/MaxBits*7.0
}

// FromScaled inverts ToScaled.
func FromScaled(scaled float64) float64 {
	return clamp((scaled-1.0)/7.0*MaxBits, 0, MaxBits)
}

// Assess 熵值的定性评价
func Assess(raw float64) string {
	switch {
	case raw > 7.9:
		return "Maximum Entropy (encrypted data)"
	case raw > 7.7:
		return "Very High Entropy (likely encrypted data)"
	case raw > 7.5:
		return "High Entropy (encrypted/compressed data)"
	case raw > 7.0:
		return "Medium-High (complex or compressed data)"
	case raw > 6.0:
		return "Medium (typical natural image)"
	case raw > 5.0:
		return "Medium-Low (simple natural image)"
	case raw > 4.0:
		return "Low (highly structured image)"
	default:
		return "Very Low (minimal variation)"
	}
}

// Increase 加密前后熵提升评估
func Increase(originalRaw, encryptedRaw float64) (percent float64, assessment string) {
	if originalRaw > 0 {
		percent = (encryptedRaw - originalRaw) / originalRaw * 100
	}
	switch {
	case percent > 30:
		assessment = "Significant increase (good encryption)"
	case percent > 15:
		assessment = "Moderate increase (adequate encryption)"
	default:
		assessment = "Minimal increase (review encryption)"
	}
	return percent, assessment
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
