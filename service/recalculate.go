package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hadeelrashaideh/medsec-project/entropy"
	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
)

// 重算结果状态
const (
	RecalcUpdated = "updated"
	RecalcSkipped = "skipped"
	RecalcError   = "error"
)

// EntropyRecalculator 批量重算已存记录的熵值。单张图片失败只计数，不中断批次
type EntropyRecalculator struct {
	store     store.Store
	decryptor *RegionDecryptor
	workers   int
	logger    *zap.Logger
}

// NewEntropyRecalculator decryptor 为 nil 时跳过区域分析
func NewEntropyRecalculator(st store.Store, decryptor *RegionDecryptor, logger *zap.Logger) *EntropyRecalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntropyRecalculator{
		store:     st,
		decryptor: decryptor,
		workers:   runtime.NumCPU(),
		logger:    logger,
	}
}

// Recalculate imageID 为空时处理全部记录；指定的记录不存在时返回 ErrNotFound
func (r *EntropyRecalculator) Recalculate(ctx context.Context, imageID string) (*model.RecalculationSummary, error) {
	var ids []string
	if imageID != "" {
		if _, err := r.store.Load(ctx, imageID); err != nil {
			return nil, err
		}
		ids = []string{imageID}
	} else {
		var err error
		if ids, err = r.store.List(ctx); err != nil {
			return nil, err
		}
	}

	details := make([]model.RecalculationDetail, len(ids))

	var g errgroup.Group
	g.SetLimit(max(1, r.workers))
	for i, id := range ids {
		g.Go(func() error {
			details[i] = r.recalculateOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	summary := &model.RecalculationSummary{Total: len(ids), Details: details}
	for _, d := range details {
		switch d.Status {
		case RecalcUpdated:
			summary.Updated++
		case RecalcSkipped:
			summary.Skipped++
		default:
			summary.Errors++
		}
	}

	r.logger.Info("entropy recalculation finished",
		zap.Int("total", summary.Total),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

func (r *EntropyRecalculator) recalculateOne(ctx context.Context, id string) model.RecalculationDetail {
	detail := model.RecalculationDetail{ID: id}
	fail := func(err error) model.RecalculationDetail {
		r.logger.Error("entropy recalculation failed", zap.String("image_id", id), zap.Error(err))
		detail.Status = RecalcError
		detail.Error = err.Error()
		return detail
	}

	rec, err := r.store.Load(ctx, id)
	if err != nil {
		return fail(err)
	}
	detail.OldEntropy = rec.BlurredEntropy

	if len(rec.RedactedImage) == 0 {
		detail.Status = RecalcSkipped
		detail.Reason = "No image data"
		return detail
	}

	mat, err := decodeImage(rec.RedactedImage)
	if err != nil {
		return fail(err)
	}
	pixels, channels := pixelBytes(mat)
	mat.Close()

	chars := entropy.Analyze(pixels)
	raw := entropy.Pixels(pixels, channels)
	detail.RawEntropy = raw
	detail.NewEntropy = entropy.Scale(raw)
	detail.Randomness = chars.Assessment
	detail.UniqueValues = chars.UniqueValues

	original := entropy.Estimate{Scaled: rec.OriginalEntropy, Source: entropy.SourceMeasured}
	if entropy.Source(rec.OriginalEntropySource) != entropy.SourceMeasured || rec.OriginalEntropy <= 0 {
		original = entropy.EstimateOriginal(originalInputs(rec))
		if original.Heuristic() {
			r.logger.Debug("original entropy estimated heuristically",
				zap.String("image_id", id),
				zap.String("source", string(original.Source)))
		}
	}
	detail.Source = string(original.Source)

	if r.decryptor != nil {
		detail.Regions = r.analyzeRegions(ctx, rec)
	}

	encrypted := rec.EncryptedEntropy
	if len(detail.Regions) > 0 {
		encrypted = meanEncryptedEntropy(detail.Regions)
	}

	err = r.store.UpdateEntropy(ctx, id, store.EntropyUpdate{
		Original:       original.Scaled,
		OriginalSource: string(original.Source),
		Blurred:        detail.NewEntropy,
		Encrypted:      encrypted,
	})
	if err != nil {
		return fail(err)
	}

	detail.Status = RecalcUpdated
	return detail
}

// originalInputs 原图已不可得，测量值之外的记录按层级重新估算
func originalInputs(rec *model.ImageRecord) entropy.Inputs {
	in := entropy.Inputs{
		ID:             rec.ID,
		AverageHash:    rec.Fingerprint.AverageHash,
		PerceptualHash: rec.Fingerprint.PerceptualHash,
	}
	if entropy.Source(rec.OriginalEntropySource) == entropy.SourceStored {
		in.StoredScaled = rec.OriginalEntropy
	}
	for _, region := range rec.Regions {
		in.Regions = append(in.Regions, entropy.RegionRef{
			ID:         region.ID,
			X1:         region.Box.X1,
			Y1:         region.Box.Y1,
			ClassLabel: region.ClassLabel,
			Confidence: region.Confidence,
		})
	}
	return in
}

// analyzeRegions 解密每个区域并对比明文像素熵与密文熵，失败的区域跳过
func (r *EntropyRecalculator) analyzeRegions(ctx context.Context, rec *model.ImageRecord) []model.RegionEntropy {
	var out []model.RegionEntropy
	for _, region := range rec.Regions {
		analysis, err := r.analyzeRegion(ctx, region)
		if err != nil {
			r.logger.Warn("region analysis skipped",
				zap.String("image_id", rec.ID),
				zap.String("region_id", region.ID),
				zap.Error(err))
			continue
		}
		out = append(out, analysis)
	}
	return out
}

func (r *EntropyRecalculator) analyzeRegion(ctx context.Context, region model.EncryptedRegion) (model.RegionEntropy, error) {
	plain, err := r.decryptor.DecryptRegion(ctx, region)
	if err != nil {
		return model.RegionEntropy{}, err
	}
	mat, err := decodeExact(plain)
	if err != nil {
		return model.RegionEntropy{}, fmt.Errorf("region %s: %w", region.ID, err)
	}
	defer mat.Close()

	pixels, channels := pixelBytes(mat)
	if len(pixels) == 0 {
		return model.RegionEntropy{}, errors.New("empty region")
	}
	return analyzeRegion(region, pixels, channels), nil
}
