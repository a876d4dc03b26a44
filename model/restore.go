package model

// RestoreOptions 还原请求选项
type RestoreOptions struct {
	Enhance bool `json:"enhance"`
	// BypassCache forces an authoritative recomputation, e.g. for audit reports.
	BypassCache bool `json:"bypass_cache"`
}

// QualityReport 还原质量报告
type QualityReport struct {
	TotalRegions          int      `json:"total_regions"`
	DecryptedRegions      int      `json:"decrypted_regions"`
	FailedRegions         int      `json:"failed_regions"`
	DecryptionSuccessRate float64  `json:"decryption_success_rate"`
	DecryptionErrors      []string `json:"decryption_errors,omitempty"`

	HasBaseline        bool    `json:"has_baseline"`
	PreSimilarity      float64 `json:"pre_similarity"`
	PreHashSimilarity  float64 `json:"pre_hash_similarity"`
	PreColorSimilarity float64 `json:"pre_color_similarity"`

	Similarity      float64 `json:"similarity"`
	HashSimilarity  float64 `json:"hash_similarity"`
	ColorSimilarity float64 `json:"color_similarity"`
	Improvement     float64 `json:"improvement"`
	Quality         string  `json:"quality,omitempty"`

	Entropy       float64 `json:"entropy"`
	AvgConfidence float64 `json:"avg_confidence"`
	NumRegions    int     `json:"num_regions"`

	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
	Details  string `json:"details,omitempty"`
	Message  string `json:"message,omitempty"`
	Enhanced bool   `json:"enhanced"`
	Cached   bool   `json:"cached"`
}

// RestoreResult 还原结果，Image 为 PNG 编码
type RestoreResult struct {
	ImageID  string        `json:"image_id"`
	Filename string        `json:"filename"`
	Image    []byte        `json:"image"`
	Report   QualityReport `json:"report"`
}

// RecalculationDetail 单张图片的熵重算结果
type RecalculationDetail struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Error        string          `json:"error,omitempty"`
	OldEntropy   float64         `json:"old_entropy"`
	NewEntropy   float64         `json:"new_entropy"`
	RawEntropy   float64         `json:"raw_entropy"`
	Source       string          `json:"source"`
	Randomness   string          `json:"randomness,omitempty"`
	UniqueValues int             `json:"unique_values"`
	Regions      []RegionEntropy `json:"regions,omitempty"`
}

// RecalculationSummary 批量熵重算汇总
type RecalculationSummary struct {
	Total   int                   `json:"total_images"`
	Updated int                   `json:"updated_images"`
	Skipped int                   `json:"skipped_images"`
	Errors  int                   `json:"errors"`
	Details []RecalculationDetail `json:"details"`
}
