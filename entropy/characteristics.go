package entropy

import "math"

// Characteristics 数据分布诊断信息，仅用于质量评估
type Characteristics struct {
	Size             int     `json:"size_bytes"`
	Raw              float64 `json:"raw"`
	Scaled           float64 `json:"scaled_1_8"`
	Redundancy       float64 `json:"redundancy_bits"`
	CompressionRatio float64 `json:"estimated_compression_ratio"`

	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	StdDev   float64 `json:"std_dev"`
	Min      int     `json:"min"`
	Max      int     `json:"max"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`

	UniqueValues   int     `json:"unique_values"`
	UniqueRatio    float64 `json:"unique_ratio"`
	MostCommonByte int     `json:"most_common_byte"`
	MostCommonFreq float64 `json:"most_common_freq"`
	ZeroFreq       float64 `json:"zero_freq"`
	ChiSquared     float64 `json:"chi_squared"`
	ChiSquaredNorm float64 `json:"chi_squared_normalized"`
	RunsScore      float64 `json:"runs_score"`
	Assessment     string  `json:"randomness_assessment"`
}

// Analyze 计算字节分布特征。空输入返回零值特征，Scaled 为 1
func Analyze(data []byte) Characteristics {
	c := Characteristics{Size: len(data), Scaled: 1.0, Assessment: Assess(0)}
	if len(data) == 0 {
		return c
	}

	var hist [256]int
	var sum float64
	minV, maxV := 255, 0
	for _, b := range data {
		hist[b]++
		sum += float64(b)
		if int(b) < minV {
			minV = int(b)
		}
		if int(b) > maxV {
			maxV = int(b)
		}
	}
	n := float64(len(data))

	c.Raw = fromHistogram(hist[:], len(data))
	c.Scaled = Scale(c.Raw)
	c.Redundancy = MaxBits - c.Raw
	c.CompressionRatio = MaxBits / math.Max(0.1, c.Raw)
	c.Assessment = Assess(c.Raw)
	c.Min, c.Max = minV, maxV

	c.Mean = sum / n
	var m2, m3, m4 float64
	for _, b := range data {
		d := float64(b) - c.Mean
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	m2 /= n
	m3 /= n
	m4 /= n
	c.StdDev = math.Sqrt(m2)
	if c.StdDev > 0 {
		c.Skewness = m3 / math.Pow(c.StdDev, 3)
		c.Kurtosis = m4/(m2*m2) - 3
	}
	c.Median = medianFromHistogram(hist[:], len(data))

	expected := n / 256
	for v, count := range hist {
		if count > 0 {
			c.UniqueValues++
		}
		if count > hist[c.MostCommonByte] {
			c.MostCommonByte = v
		}
		diff := float64(count) - expected
		c.ChiSquared += diff * diff / expected
	}
	c.UniqueRatio = float64(c.UniqueValues) / 256
	c.MostCommonFreq = float64(hist[c.MostCommonByte]) / n
	c.ZeroFreq = float64(hist[0]) / n
	c.ChiSquaredNorm = c.ChiSquared / n

	if len(data) > 1 {
		runs := 0
		for i := 1; i < len(data); i++ {
			if data[i] != data[i-1] {
				runs++
			}
		}
		c.RunsScore = float64(runs) / float64(len(data)-1)
	}
	return c
}

// medianFromHistogram 偶数长度时取中间两值的平均
func medianFromHistogram(hist []int, total int) float64 {
	lo, hi := (total-1)/2, total/2
	var loV, hiV, seen int
	found := false
	for v, count := range hist {
		if count == 0 {
			continue
		}
		if !found && seen+count > lo {
			loV = v
			found = true
		}
		if seen+count > hi {
			hiV = v
			break
		}
		seen += count
	}
	return (float64(loV) + float64(hiV)) / 2
}
