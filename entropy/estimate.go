package entropy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Source 标记熵值来源。只有 SourceMeasured 是真实测量值，其余层级是启发式占位
type Source string

const (
	SourceMeasured    Source = "measured"
	SourceStored      Source = "stored"
	SourceFingerprint Source = "fingerprint"
	SourceRegions     Source = "regions"
	SourceIdentity    Source = "identity"
)

const (
	heuristicMin = 4.0
	heuristicMax = 7.0
)

// RegionRef 区域级回退所需的最少信息
type RegionRef struct {
	ID         string
	X1, Y1     int
	ClassLabel string
	Confidence float64
}

// Inputs 估算原图熵的可用输入，按层级依次尝试
type Inputs struct {
	ID             string
	Data           []byte
	Channels       int
	StoredScaled   float64
	AverageHash    string
	PerceptualHash string
	Regions        []RegionRef
}

// Estimate 熵估算结果
type Estimate struct {
	Raw    float64 `json:"raw"`
	Scaled float64 `json:"scaled_1_8"`
	Source Source  `json:"source"`
	Hash   string  `json:"hash,omitempty"`
}

func (e Estimate) Heuristic() bool {
	return e.Source != SourceMeasured && e.Source != SourceStored
}

// EstimateOriginal 按 measured → stored → fingerprint → regions → identity 顺序估算。
// 启发式层级对同一 ID 稳定，不同 ID 之间有差异，原始值限制在 [4,7]
func EstimateOriginal(in Inputs) Estimate {
	if len(in.Data) > 0 {
		raw := Pixels(in.Data, in.Channels)
		return Estimate{Raw: raw, Scaled: Scale(raw), Source: SourceMeasured}
	}

	if in.StoredScaled > 0 {
		return Estimate{Raw: FromScaled(in.StoredScaled), Scaled: in.StoredScaled, Source: SourceStored}
	}

	if in.AverageHash != "" && in.PerceptualHash != "" {
		digest := hexDigest(in.AverageHash + in.PerceptualHash + in.ID)
		base := 5.0 + transitionComplexity(in.AverageHash)
		return heuristic(base+hashFactor(digest), SourceFingerprint, digest)
	}

	if len(in.Regions) > 0 {
		parts := make([]string, 0, len(in.Regions))
		var conf float64
		for _, r := range in.Regions {
			parts = append(parts, fmt.Sprintf("%s-%d-%d-%s", r.ID, r.X1, r.Y1, r.ClassLabel))
			conf += r.Confidence
		}
		digest := hexDigest(in.ID + "-" + strings.Join(parts, "-"))
		avg := conf / float64(len(in.Regions))
		base := 5.0 + avg*0.5 + float64(len(in.Regions))*0.1
		return heuristic(base+hashFactor(digest), SourceRegions, digest)
	}

	digest := hexDigest(in.ID)
	return heuristic(5.0+hashFactor(digest), SourceIdentity, digest)
}

func heuristic(raw float64, src Source, digest string) Estimate {
	raw = math.Min(heuristicMax, math.Max(heuristicMin, raw))
	return Estimate{Raw: raw, Scaled: ToScaled(raw), Source: src, Hash: digest[:8]}
}

func hexDigest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}

// hashFactor 取摘要前 4 个十六进制字符，映射到 [-1.5, 1.5]
func hashFactor(digest string) float64 {
	v, err := strconv.ParseUint(digest[:4], 16, 32)
	if err != nil {
		return 0
	}
	return (float64(v)/65535 - 0.5) * 3.0
}

// transitionComplexity 相邻字符变化次数占比，作为图像复杂度的粗略代理
func transitionComplexity(h string) float64 {
	if len(h) < 2 {
		return 0
	}
	transitions := 0
	for i := 1; i < len(h); i++ {
		if h[i] != h[i-1] {
			transitions++
		}
	}
	return float64(transitions) / float64(len(h)-1)
}
