package service

import (
	"context"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/cache"
	"github.com/hadeelrashaideh/medsec-project/entropy"
	"github.com/hadeelrashaideh/medsec-project/fingerprint"
	"github.com/hadeelrashaideh/medsec-project/model"
)

const (
	noFingerprintMessage = "No fingerprint data available for similarity comparison"
	criticalFailureError = "Critical decryption failure: All regions failed to decrypt"
)

// Reconstructor 解密区域并逐像素写回脱敏图，然后基于原图指纹评估还原质量
type Reconstructor struct {
	decryptor *RegionDecryptor
	scorer    *fingerprint.Scorer
	results   *cache.ResultCache
	logger    *zap.Logger
}

// NewReconstructor results 可以为 nil，此时不缓存还原结果
func NewReconstructor(decryptor *RegionDecryptor, scorer *fingerprint.Scorer, results *cache.ResultCache, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{decryptor: decryptor, scorer: scorer, results: results, logger: logger}
}

// RestoreImage 还原图片。所有区域都解密失败时返回仍为脱敏状态的图片和 Critical 报告，而不是错误
func (r *Reconstructor) RestoreImage(ctx context.Context, rec *model.ImageRecord, opts model.RestoreOptions) (*model.RestoreResult, error) {
	if !opts.BypassCache {
		if cached := r.cachedResult(ctx, rec.ID, opts.Enhance); cached != nil {
			return cached, nil
		}
	}

	redacted, err := decodeExact(rec.RedactedImage)
	if err != nil {
		return nil, &model.ReconstructionError{ImageID: rec.ID, Err: err}
	}
	defer redacted.Close()

	restored := redacted.Clone()
	defer restored.Close()

	report := model.QualityReport{TotalRegions: len(rec.Regions)}
	var confidence float64
	for _, region := range rec.Regions {
		if err := r.restoreRegion(ctx, &restored, region); err != nil {
			report.FailedRegions++
			report.DecryptionErrors = append(report.DecryptionErrors, err.Error())
			continue
		}
		report.DecryptedRegions++
		confidence += region.Confidence
	}
	if report.TotalRegions > 0 {
		report.DecryptionSuccessRate = float64(report.DecryptedRegions) / float64(report.TotalRegions)
	}

	if report.TotalRegions > 0 && report.DecryptedRegions == 0 {
		report.Critical = true
		report.Error = criticalFailureError
		report.Details = strings.Join(report.DecryptionErrors, "; ")
		r.logger.Error("all regions failed to decrypt",
			zap.String("image_id", rec.ID),
			zap.Int("regions", report.TotalRegions))
		return &model.RestoreResult{
			ImageID:  rec.ID,
			Filename: "error_blurred_" + rec.Filename,
			Image:    rec.RedactedImage,
			Report:   report,
		}, nil
	}

	if report.DecryptedRegions > 0 {
		report.AvgConfidence = confidence / float64(report.DecryptedRegions)
	}
	report.NumRegions = report.DecryptedRegions

	if err := r.score(rec, redacted, restored, &report); err != nil {
		return nil, &model.ReconstructionError{ImageID: rec.ID, Err: err}
	}
	report.Entropy = grayEntropy(restored)

	delivered := restored
	if opts.Enhance {
		delivered = Sharpen(restored)
		defer delivered.Close()
		report.Enhanced = true
	}
	data, err := encodePNG(delivered)
	if err != nil {
		return nil, &model.ReconstructionError{ImageID: rec.ID, Err: err}
	}

	result := &model.RestoreResult{
		ImageID:  rec.ID,
		Filename: "restored_" + rec.Filename,
		Image:    data,
		Report:   report,
	}

	r.logger.Info("image restored",
		zap.String("image_id", rec.ID),
		zap.Int("decrypted", report.DecryptedRegions),
		zap.Int("failed", report.FailedRegions),
		zap.Float64("similarity", report.Similarity),
		zap.String("quality", report.Quality))

	r.storeResult(ctx, result, opts.Enhance)
	return result, nil
}

// restoreRegion 解密、解码并按检测框尺寸写回单个区域
func (r *Reconstructor) restoreRegion(ctx context.Context, dst *gocv.Mat, region model.EncryptedRegion) error {
	plain, err := r.decryptor.DecryptRegion(ctx, region)
	if err != nil {
		return fmt.Errorf("decryption failed for region %s: %w", region.ID, err)
	}

	decoded, err := decodeExact(plain)
	if err != nil {
		return fmt.Errorf("decoding failed for region %s: %w", region.ID, err)
	}
	defer decoded.Close()

	patch, err := matchChannels(decoded, dst.Channels())
	if err != nil {
		return fmt.Errorf("channel mismatch for region %s: %w", region.ID, err)
	}
	defer func() { patch.Close() }()

	box := region.Box.Clamp(dst.Cols(), dst.Rows())
	if box.Area() == 0 {
		return fmt.Errorf("region %s lies outside the image", region.ID)
	}
	if patch.Cols() != box.Width() || patch.Rows() != box.Height() {
		resized := gocv.NewMat()
		gocv.Resize(patch, &resized, image.Pt(box.Width(), box.Height()), 0, 0, gocv.InterpolationLanczos4)
		patch.Close()
		patch = resized
	}

	if err := applyRegion(dst, box.Rect(), patch); err != nil {
		return fmt.Errorf("splice failed for region %s: %w", region.ID, err)
	}
	return nil
}

// score 以原图指纹为基准，比较脱敏图（基线）与还原图
func (r *Reconstructor) score(rec *model.ImageRecord, redacted, restored gocv.Mat, report *model.QualityReport) error {
	if rec.Fingerprint.IsZero() {
		report.Message = noFingerprintMessage
		return nil
	}

	redactedFP, err := fingerprintOf(redacted)
	if err != nil {
		return err
	}
	restoredFP, err := fingerprintOf(restored)
	if err != nil {
		return err
	}

	pre := r.scorer.Compare(rec.Fingerprint, redactedFP, fingerprint.CompareOptions{Blurred: true})
	post := r.scorer.Compare(rec.Fingerprint, restoredFP, fingerprint.CompareOptions{})

	report.HasBaseline = true
	report.PreSimilarity = pre.Overall
	report.PreHashSimilarity = pre.Hash
	report.PreColorSimilarity = pre.Color
	report.Similarity = post.Overall
	report.HashSimilarity = post.Hash
	report.ColorSimilarity = post.Color
	report.Improvement = max(0, post.Overall-pre.Overall)
	report.Quality = fingerprint.Quality(post.Overall)
	return nil
}

func (r *Reconstructor) cachedResult(ctx context.Context, imageID string, enhance bool) *model.RestoreResult {
	if r.results == nil {
		return nil
	}
	result, err := r.results.Get(ctx, imageID, enhance)
	if err != nil {
		r.logger.Warn("restore cache get failed", zap.String("image_id", imageID), zap.Error(err))
		return nil
	}
	if result != nil {
		result.Report.Cached = true
	}
	return result
}

// storeResult 旁路缓存的请求同样刷新缓存
func (r *Reconstructor) storeResult(ctx context.Context, result *model.RestoreResult, enhance bool) {
	if r.results == nil {
		return
	}
	if err := r.results.Set(ctx, result, enhance); err != nil {
		r.logger.Warn("restore cache set failed", zap.String("image_id", result.ImageID), zap.Error(err))
	}
}

// ForgetResults 删除当前时间桶内缓存的还原结果
func (r *Reconstructor) ForgetResults(ctx context.Context, imageID string) error {
	if r.results == nil {
		return nil
	}
	return r.results.Forget(ctx, imageID)
}

func fingerprintOf(mat gocv.Mat) (model.Fingerprint, error) {
	img, err := matToImage(mat)
	if err != nil {
		return model.Fingerprint{}, err
	}
	return fingerprint.Compute(img)
}

// grayEntropy 灰度像素熵（1–8 量表）
func grayEntropy(mat gocv.Mat) float64 {
	gray, err := matchChannels(mat, 1)
	if err != nil {
		return entropy.Scale(0)
	}
	defer gray.Close()
	data, _ := pixelBytes(gray)
	return entropy.Scale(entropy.Shannon(data))
}
