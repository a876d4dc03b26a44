package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/crypto"
	"github.com/hadeelrashaideh/medsec-project/detection"
	"github.com/hadeelrashaideh/medsec-project/entropy"
	"github.com/hadeelrashaideh/medsec-project/fingerprint"
	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

// 流水线阶段名，出现在 PipelineError 中
const (
	StageQueue       = "queue"
	StageScratch     = "scratch"
	StageDecode      = "decode"
	StageFingerprint = "fingerprint"
	StageDetect      = "detect"
	StageValidate    = "validate"
	StageRedact      = "redact"
	StageEncrypt     = "encrypt"
	StageComposite   = "composite"
	StagePersist     = "persist"
)

// Pipeline 检测 → 脱敏 → 加密 → 持久化
type Pipeline struct {
	detector       Detector
	crypto         *crypto.Service
	store          store.Store
	detail         *DetailAnalyzer
	params         RedactionParams
	maxCoverage    float64
	maxRegions     int
	compositeWidth int
	scratchDir     string
	semaphore      chan struct{}
	queueTimeout   time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

func NewPipeline(cfg *config.Config, det Detector, cs *crypto.Service, st store.Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		detector:       det,
		crypto:         cs,
		store:          st,
		detail:         NewDetailAnalyzer(),
		params:         DefaultRedactionParams(),
		maxCoverage:    cfg.Redaction.MaxCoverage,
		maxRegions:     cfg.Redaction.MaxRegions,
		compositeWidth: cfg.Redaction.CompositeMaxWidth,
		scratchDir:     cfg.Scratch.Dir,
		semaphore:      make(chan struct{}, cfg.Redaction.MaxConcurrent),
		queueTimeout:   time.Duration(cfg.Redaction.QueueTimeout) * time.Second,
		now:            time.Now,
		logger:         logger,
	}
}

// ProcessImage 处理一张上传图片。任何退出路径都会清理临时目录
func (p *Pipeline) ProcessImage(ctx context.Context, upload model.Upload) (*model.ProcessResult, error) {
	id := utils.NewImageID()
	fail := func(stage string, err error) error {
		return &model.PipelineError{ImageID: id, Stage: stage, Err: err}
	}

	// 并发控制
	queueCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()

	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-queueCtx.Done():
		return nil, fail(StageQueue, model.ErrQueueFull)
	}

	startTime := time.Now()

	scratch, err := p.newScratch()
	if err != nil {
		return nil, fail(StageScratch, err)
	}
	defer p.releaseScratch(scratch)

	path := filepath.Join(scratch, "upload"+filepath.Ext(upload.Filename))
	if err := os.WriteFile(path, upload.Data, 0o600); err != nil {
		return nil, fail(StageScratch, err)
	}
	contentHash, err := utils.FileHash(path)
	if err != nil {
		return nil, fail(StageScratch, err)
	}

	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fail(StageDecode, fmt.Errorf("%w: %s", model.ErrDecode, upload.Filename))
	}

	width := img.Cols()
	height := img.Rows()

	p.logger.Info("processing image",
		zap.String("image_id", id),
		zap.String("filename", upload.Filename),
		zap.Int("width", width),
		zap.Int("height", height))

	rec := &model.ImageRecord{
		ID:          id,
		ContentHash: contentHash,
		Filename:    upload.Filename,
		Width:       width,
		Height:      height,
		CreatedAt:   p.now().UTC(),
	}

	// 指纹总是基于未修改的原图计算
	goImg, err := matToImage(img)
	if err != nil {
		return nil, fail(StageFingerprint, err)
	}
	if rec.Fingerprint, err = fingerprint.Compute(goImg); err != nil {
		return nil, fail(StageFingerprint, err)
	}

	pixels, channels := pixelBytes(img)
	original := entropy.EstimateOriginal(entropy.Inputs{ID: id, Data: pixels, Channels: channels})
	rec.OriginalEntropy = original.Scaled
	rec.OriginalEntropySource = string(original.Source)

	dets, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, fail(StageDetect, err)
	}
	if len(dets) == 0 {
		return p.finishEmpty(ctx, rec, img, model.ReasonNoDetections, startTime)
	}

	if err := detection.Validate(dets); err != nil {
		return nil, fail(StageValidate, err)
	}
	selected := p.selectDetections(dets, width, height)
	if len(selected) == 0 {
		return p.finishEmpty(ctx, rec, img, model.ReasonAllFiltered, startTime)
	}

	redacted := img.Clone()
	defer redacted.Close()

	var crops []gridCrop
	defer func() {
		for _, c := range crops {
			c.mat.Close()
		}
	}()

	var analyses []model.RegionEntropy
	var totalMs float64
	for rank, d := range selected {
		region, analysis, patch, err := p.redactOne(ctx, id, img, &redacted, d)
		if err != nil {
			stage := StageRedact
			if errors.Is(err, errEncrypt) {
				stage = StageEncrypt
			}
			return nil, fail(stage, err)
		}
		crops = append(crops, gridCrop{mat: patch, label: rankLabel(rank, d)})
		rec.Regions = append(rec.Regions, region)
		analyses = append(analyses, analysis)
		totalMs += analysis.encryptMs
	}
	rec.EncryptionMs = totalMs / float64(len(selected))

	rec.Status = model.StatusRedacted
	if rec.RedactedImage, err = encodePNG(redacted); err != nil {
		return nil, fail(StageRedact, err)
	}
	blurredPixels, blurredChannels := pixelBytes(redacted)
	rec.BlurredEntropy = entropy.Scale(entropy.Pixels(blurredPixels, blurredChannels))

	results := make([]model.RegionEntropy, len(analyses))
	for i, a := range analyses {
		results[i] = a.RegionEntropy
	}
	rec.EncryptedEntropy = meanEncryptedEntropy(results)

	overlay := drawDetections(img, selected)
	defer overlay.Close()
	composite, err := renderGrid(img, overlay, redacted, crops, p.compositeWidth)
	if err != nil {
		return nil, fail(StageComposite, err)
	}
	if rec.Composite, err = p.sealComposite(ctx, composite); err != nil {
		return nil, fail(StageComposite, err)
	}

	if err := p.store.Save(ctx, rec); err != nil {
		return nil, fail(StagePersist, err)
	}

	duration := time.Since(startTime)
	p.logger.Info("image redacted",
		zap.String("image_id", id),
		zap.Int("regions", len(rec.Regions)),
		zap.Float64("encryption_ms", rec.EncryptionMs),
		zap.Float64("original_entropy", rec.OriginalEntropy),
		zap.Float64("blurred_entropy", rec.BlurredEntropy),
		zap.Duration("duration", duration))

	return &model.ProcessResult{Record: rec, Analyses: results, Duration: duration}, nil
}

// selectDetections 裁剪到图像范围、按覆盖率过滤、按置信度取前 maxRegions 个
func (p *Pipeline) selectDetections(dets []model.Detection, width, height int) []model.Detection {
	clamped := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if c, ok := detection.Clamp(d, width, height); ok {
			clamped = append(clamped, c)
		}
	}
	kept := detection.FilterCoverage(clamped, width, height, p.maxCoverage)
	if dropped := len(clamped) - len(kept); dropped > 0 {
		p.logger.Debug("detections filtered by coverage",
			zap.Int("dropped", dropped),
			zap.Float64("max_coverage", p.maxCoverage))
	}
	return detection.Top(kept, p.maxRegions)
}

var errEncrypt = errors.New("region encryption failed")

type regionAnalysis struct {
	model.RegionEntropy
	encryptMs float64
}

// redactOne 加密原始裁剪块并将脱敏后的块写回 redacted。返回的 patch 由调用方关闭
func (p *Pipeline) redactOne(ctx context.Context, imageID string, img gocv.Mat, redacted *gocv.Mat, d model.Detection) (model.EncryptedRegion, regionAnalysis, gocv.Mat, error) {
	rect := d.Box.Rect()

	view := img.Region(rect)
	crop := view.Clone()
	view.Close()
	defer crop.Close()

	plaintext, err := encodePNG(crop)
	if err != nil {
		return model.EncryptedRegion{}, regionAnalysis{}, gocv.Mat{}, err
	}
	ciphertext, ms, err := p.crypto.Encrypt(ctx, plaintext)
	if err != nil {
		return model.EncryptedRegion{}, regionAnalysis{}, gocv.Mat{}, fmt.Errorf("%w: %v", errEncrypt, err)
	}

	patch := RedactRegion(crop, p.params)
	if err := applyRegion(redacted, rect, patch); err != nil {
		patch.Close()
		return model.EncryptedRegion{}, regionAnalysis{}, gocv.Mat{}, err
	}

	region := model.EncryptedRegion{
		ID:             utils.NewRegionID(),
		ImageID:        imageID,
		Box:            d.Box,
		ClassLabel:     d.ClassLabel,
		Confidence:     d.Confidence,
		Ciphertext:     ciphertext,
		OriginalFormat: "PNG",
		PlaintextSize:  len(plaintext),
		CreatedAt:      p.now().UTC(),
	}

	pixels, channels := pixelBytes(crop)
	analysis := regionAnalysis{RegionEntropy: analyzeRegion(region, pixels, channels), encryptMs: ms}
	analysis.Detail = p.detail.Compare(crop, patch)

	return region, analysis, patch, nil
}

// finishEmpty 没有可脱敏区域：保存原图、指纹与带原因的占位拼图
func (p *Pipeline) finishEmpty(ctx context.Context, rec *model.ImageRecord, img gocv.Mat, reason string, startTime time.Time) (*model.ProcessResult, error) {
	var err error
	rec.Status = model.StatusEmpty
	rec.EmptyReason = reason
	rec.BlurredEntropy = rec.OriginalEntropy

	if rec.RedactedImage, err = encodePNG(img); err != nil {
		return nil, &model.PipelineError{ImageID: rec.ID, Stage: StageRedact, Err: err}
	}
	placeholder, err := renderPlaceholder(reason)
	if err != nil {
		return nil, &model.PipelineError{ImageID: rec.ID, Stage: StageComposite, Err: err}
	}
	if rec.Composite, err = p.sealComposite(ctx, placeholder); err != nil {
		return nil, &model.PipelineError{ImageID: rec.ID, Stage: StageComposite, Err: err}
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return nil, &model.PipelineError{ImageID: rec.ID, Stage: StagePersist, Err: err}
	}

	p.logger.Info("no regions redacted",
		zap.String("image_id", rec.ID),
		zap.String("reason", reason))

	return &model.ProcessResult{Record: rec, Duration: time.Since(startTime)}, nil
}

// sealComposite 拼图含未脱敏原图，与区域一样只以密文落盘
func (p *Pipeline) sealComposite(ctx context.Context, png []byte) ([]byte, error) {
	sealed, _, err := p.crypto.Encrypt(ctx, png)
	if err != nil {
		return nil, fmt.Errorf("seal composite: %w", err)
	}
	return sealed, nil
}

func (p *Pipeline) newScratch() (string, error) {
	if err := os.MkdirAll(p.scratchDir, 0o700); err != nil {
		return "", err
	}
	return os.MkdirTemp(p.scratchDir, "redact-*")
}

func (p *Pipeline) releaseScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Error("failed to remove scratch dir", zap.String("dir", dir), zap.Error(err))
	}
}
