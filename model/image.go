package model

import (
	"image"
	"time"
)

// BoundingBox 检测框，(X1,Y1) 左上角，(X2,Y2) 右下角（不含）
type BoundingBox struct {
	X1 int `json:"x1" cbor:"x1"`
	Y1 int `json:"y1" cbor:"y1"`
	X2 int `json:"x2" cbor:"x2" validate:"gtfield=X1"`
	Y2 int `json:"y2" cbor:"y2" validate:"gtfield=Y1"`
}

func (b BoundingBox) Width() int  { return b.X2 - b.X1 }
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

// Area returns zero for inverted boxes.
func (b BoundingBox) Area() int {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return b.Width() * b.Height()
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp 将检测框限制在图像范围内
func (b BoundingBox) Clamp(width, height int) BoundingBox {
	return BoundingBox{
		X1: min(max(0, b.X1), width),
		Y1: min(max(0, b.Y1), height),
		X2: min(max(0, b.X2), width),
		Y2: min(max(0, b.Y2), height),
	}
}

// Detection 检测器输出的单个目标
type Detection struct {
	Box        BoundingBox `json:"box" cbor:"box"`
	ClassLabel string      `json:"class_label" cbor:"class_label" validate:"required"`
	Confidence float64     `json:"confidence" cbor:"confidence" validate:"gte=0,lte=1"`
}

// EncryptedRegion 加密保存的敏感区域。Ciphertext 布局固定为 IV(16) ‖ AES-256-CBC(PKCS#7)。
type EncryptedRegion struct {
	ID             string      `json:"id" cbor:"id"`
	ImageID        string      `json:"image_id" cbor:"image_id"`
	Box            BoundingBox `json:"box" cbor:"box"`
	ClassLabel     string      `json:"class_label" cbor:"class_label"`
	Confidence     float64     `json:"confidence" cbor:"confidence"`
	Ciphertext     []byte      `json:"-" cbor:"ciphertext"`
	OriginalFormat string      `json:"original_format" cbor:"original_format"`
	PlaintextSize  int         `json:"plaintext_size" cbor:"plaintext_size"`
	CreatedAt      time.Time   `json:"created_at" cbor:"created_at"`
}

// Fingerprint 原图的感知指纹
type Fingerprint struct {
	AverageHash    string `json:"average_hash" cbor:"average_hash"`
	PerceptualHash string `json:"perceptual_hash" cbor:"perceptual_hash"`
	ColorHistogram []byte `json:"color_histogram" cbor:"color_histogram"`
}

func (f Fingerprint) IsZero() bool {
	return f.AverageHash == "" && f.PerceptualHash == "" && len(f.ColorHistogram) == 0
}

type RecordStatus string

const (
	StatusRedacted RecordStatus = "redacted"
	StatusEmpty    RecordStatus = "empty"
)

const (
	ReasonNoDetections = "No objects detected"
	ReasonAllFiltered  = "All detections filtered out"
)

// ImageRecord 一次脱敏处理的完整持久化单元。
// Composite 是诊断拼图的密文（IV‖密文），只通过管理接口解密查看
type ImageRecord struct {
	ID            string            `json:"id" cbor:"id"`
	ContentHash   string            `json:"content_hash" cbor:"content_hash"`
	Filename      string            `json:"filename" cbor:"filename"`
	Width         int               `json:"width" cbor:"width"`
	Height        int               `json:"height" cbor:"height"`
	Status        RecordStatus      `json:"status" cbor:"status"`
	EmptyReason   string            `json:"empty_reason,omitempty" cbor:"empty_reason"`
	RedactedImage []byte            `json:"-" cbor:"-"`
	Composite     []byte            `json:"-" cbor:"-"`
	Fingerprint   Fingerprint       `json:"fingerprint" cbor:"-"`
	Regions       []EncryptedRegion `json:"regions" cbor:"-"`

	OriginalEntropy       float64 `json:"original_entropy" cbor:"original_entropy"`
	OriginalEntropySource string  `json:"original_entropy_source" cbor:"original_entropy_source"`
	BlurredEntropy        float64 `json:"blurred_entropy" cbor:"blurred_entropy"`
	EncryptedEntropy      float64 `json:"encrypted_entropy" cbor:"encrypted_entropy"`
	EncryptionMs          float64 `json:"encryption_ms" cbor:"encryption_ms"`
	DecryptionMs          float64 `json:"decryption_ms" cbor:"decryption_ms"`

	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
}

// Upload 待处理的上传图片
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// RegionEntropy 单个区域加密前后的熵对比
type RegionEntropy struct {
	RegionID        string  `json:"region_id"`
	ClassLabel      string  `json:"class_label"`
	OriginalRaw     float64 `json:"original_raw"`
	EncryptedRaw    float64 `json:"encrypted_raw"`
	EncryptedScaled float64 `json:"encrypted_scaled"`
	Difference      float64 `json:"difference"`
	IncreasePercent float64 `json:"increase_percent"`
	Assessment      string  `json:"assessment"`

	Detail *DetailReduction `json:"detail,omitempty"`
}

// DetailReduction 脱敏前后区域细节（边缘密度、Lab 颜色标准差）的对比
type DetailReduction struct {
	EdgeDensityBefore   float64 `json:"edge_density_before"`
	EdgeDensityAfter    float64 `json:"edge_density_after"`
	ColorVarianceBefore float64 `json:"color_variance_before"`
	ColorVarianceAfter  float64 `json:"color_variance_after"`
	LevelBefore         string  `json:"level_before"`
	LevelAfter          string  `json:"level_after"`
}

// ProcessResult 脱敏流水线输出
type ProcessResult struct {
	Record   *ImageRecord    `json:"record"`
	Analyses []RegionEntropy `json:"region_entropy,omitempty"`
	Duration time.Duration   `json:"duration"`
}
