package service

import (
	"github.com/hadeelrashaideh/medsec-project/entropy"
	"github.com/hadeelrashaideh/medsec-project/model"
)

// analyzeRegion 对比区域像素熵与密文熵
func analyzeRegion(region model.EncryptedRegion, pixels []byte, channels int) model.RegionEntropy {
	originalRaw := entropy.Pixels(pixels, channels)
	encryptedRaw := entropy.Shannon(region.Ciphertext)
	percent, assessment := entropy.Increase(originalRaw, encryptedRaw)

	return model.RegionEntropy{
		RegionID:        region.ID,
		ClassLabel:      region.ClassLabel,
		OriginalRaw:     originalRaw,
		EncryptedRaw:    encryptedRaw,
		EncryptedScaled: entropy.Scale(encryptedRaw),
		Difference:      encryptedRaw - originalRaw,
		IncreasePercent: percent,
		Assessment:      assessment,
	}
}

// meanEncryptedEntropy 区域密文熵（1–8 量表）的平均值
func meanEncryptedEntropy(analyses []model.RegionEntropy) float64 {
	if len(analyses) == 0 {
		return 0
	}
	var sum float64
	for _, a := range analyses {
		sum += a.EncryptedScaled
	}
	return sum / float64(len(analyses))
}
