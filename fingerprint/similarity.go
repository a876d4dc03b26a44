package fingerprint

import (
	"math"
	"math/bits"
	"math/rand/v2"
	"strconv"

	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/model"
)

const (
	weightAverage    = 0.3
	weightPerceptual = 0.4
	weightColor      = 0.3

	hashBits = 64

	// 总体相似度超过该值视为"可疑地完美"
	suspiciousThreshold = 0.99
	perturbationFloor   = 0.95
	blurredDiscount     = 0.85

	fallbackComponent = 0.5

	epsilon = 2.220446049250313e-16
)

// Perturbation 返回从可疑的近完美分数中扣除的量。
// 这是有意的反虚假确定性调整：接近 1.0 的分数通常意味着误将指纹与自身比较。
type Perturbation func() float64

// RandomPerturbation 在 [0.001, 0.005) 内均匀取值
func RandomPerturbation() float64 {
	return 0.001 + rand.Float64()*0.004
}

// NoPerturbation 关闭扰动，用于确定性测试
func NoPerturbation() float64 { return 0 }

// Similarity 指纹比较结果，均在 [0,1]
type Similarity struct {
	Overall        float64 `json:"overall_similarity"`
	Hash           float64 `json:"hash_similarity"`
	Color          float64 `json:"color_similarity"`
	AverageHash    float64 `json:"average_hash_similarity"`
	PerceptualHash float64 `json:"perceptual_hash_similarity"`
	SelfComparison bool    `json:"self_comparison"`
	Perturbed      bool    `json:"perturbed"`
}

type CompareOptions struct {
	// Blurred 表示 b 来自脱敏（模糊）图像，总分再乘以 0.85
	Blurred bool
}

type Scorer struct {
	perturb Perturbation
	logger  *zap.Logger
}

type Option func(*Scorer)

func WithPerturbation(p Perturbation) Option {
	return func(s *Scorer) {
		if p != nil {
			s.perturb = p
		}
	}
}

func NewScorer(logger *zap.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scorer{perturb: RandomPerturbation, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compare 计算 a 与 b 的相似度：0.3·均值哈希 + 0.4·感知哈希 + 0.3·颜色
func (s *Scorer) Compare(a, b model.Fingerprint, opts CompareOptions) Similarity {
	var sim Similarity

	bPhash := b.PerceptualHash
	if a.AverageHash == b.AverageHash && a.PerceptualHash == b.PerceptualHash {
		s.logger.Warn("identical fingerprints compared, possible self-comparison")
		sim.SelfComparison = true
		bPhash = flipLastBit(bPhash)
	}

	var err error
	sim.AverageHash, err = hashSimilarity(a.AverageHash, b.AverageHash)
	if err != nil {
		s.logger.Warn("average hash comparison failed", zap.Error(err))
		sim.AverageHash = fallbackComponent
	}
	sim.PerceptualHash, err = hashSimilarity(a.PerceptualHash, bPhash)
	if err != nil {
		s.logger.Warn("perceptual hash comparison failed", zap.Error(err))
		sim.PerceptualHash = fallbackComponent
	}
	sim.Hash = (sim.AverageHash + sim.PerceptualHash) / 2

	sim.Color, err = colorSimilarity(a.ColorHistogram, b.ColorHistogram)
	if err != nil {
		s.logger.Warn("color histogram comparison failed", zap.Error(err))
		sim.Color = fallbackComponent
	}

	sim.Overall = weightAverage*sim.AverageHash + weightPerceptual*sim.PerceptualHash + weightColor*sim.Color
	if sim.Overall > suspiciousThreshold {
		sim.Overall = math.Max(perturbationFloor, sim.Overall-s.perturb())
		sim.Perturbed = true
	}
	if opts.Blurred {
		sim.Overall *= blurredDiscount
	}
	return sim
}

// Quality 还原质量分档，超过 0.99 标记为可疑
func Quality(similarity float64) string {
	switch {
	case similarity > suspiciousThreshold:
		return "Suspicious - Too Perfect"
	case similarity > 0.85:
		return "Excellent"
	case similarity > 0.7:
		return "Good"
	case similarity > 0.5:
		return "Fair"
	default:
		return "Poor"
	}
}

func parseHash(h string) (uint64, error) {
	return strconv.ParseUint(h, 16, 64)
}

func hashSimilarity(a, b string) (float64, error) {
	ha, err := parseHash(a)
	if err != nil {
		return 0, err
	}
	hb, err := parseHash(b)
	if err != nil {
		return 0, err
	}
	dist := bits.OnesCount64(ha ^ hb)
	return 1.0 - float64(dist)/hashBits, nil
}

// flipLastBit 翻转哈希最低位；无法解析时原样返回
func flipLastBit(h string) string {
	v, err := parseHash(h)
	if err != nil {
		return h
	}
	return formatHash(v ^ 1)
}

func colorSimilarity(a, b []byte) (float64, error) {
	ha, err := DecodeHistogram(a)
	if err != nil {
		return 0, err
	}
	hb, err := DecodeHistogram(b)
	if err != nil {
		return 0, err
	}

	ca, cb := ha.channels(), hb.channels()
	var sum float64
	for i := range ca {
		sum += math.Max(0, correlation(ca[i], cb[i]))
	}
	return sum / 3, nil
}

// correlation 皮尔逊相关系数；分母接近零时返回 1
func correlation(a, b []float32) float64 {
	n := float64(len(a))
	var sa, sb float64
	for i := range a {
		sa += float64(a[i])
		sb += float64(b[i])
	}
	ma, mb := sa/n, sb/n

	var num, da, db float64
	for i := range a {
		x := float64(a[i]) - ma
		y := float64(b[i]) - mb
		num += x * y
		da += x * x
		db += y * y
	}
	denom := da * db
	if math.Abs(denom) <= epsilon {
		return 1.0
	}
	return num / math.Sqrt(denom)
}
