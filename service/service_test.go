package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/cache"
	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/crypto"
	"github.com/hadeelrashaideh/medsec-project/fingerprint"
	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/store"
)

const (
	testKeyHex  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	otherKeyHex = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

type fakeDetector struct {
	dets  []model.Detection
	err   error
	calls atomic.Int32
}

func (f *fakeDetector) Detect(context.Context, gocv.Mat) ([]model.Detection, error) {
	f.calls.Add(1)
	return f.dets, f.err
}

func (f *fakeDetector) Close() error { return nil }

type fixture struct {
	cfg       *config.Config
	store     *store.BadgerStore
	crypto    *crypto.Service
	detector  *fakeDetector
	pipeline  *Pipeline
	decryptor *RegionDecryptor
	restorer  *Reconstructor
}

func newFixture(t *testing.T, dets ...model.Detection) *fixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scratch.Dir = t.TempDir()

	st, err := store.Open(store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		cfg:      cfg,
		store:    st,
		crypto:   newCryptoService(t, testKeyHex),
		detector: &fakeDetector{dets: dets},
	}
	f.pipeline = NewPipeline(cfg, f.detector, f.crypto, st, nil)
	f.decryptor = NewRegionDecryptor(f.crypto, cache.NewTwoTier(cache.NewFIFO(50), nil, nil), st, nil)
	f.restorer = NewReconstructor(f.decryptor, fingerprint.NewScorer(nil), nil, nil)
	return f
}

func newCryptoService(t *testing.T, keyHex string) *crypto.Service {
	t.Helper()
	key, err := crypto.NewStaticKey(keyHex)
	require.NoError(t, err)
	return crypto.NewService(key, nil)
}

// noisyPNG 随机纹理图像，保证脱敏前后差异明显
func noisyPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()
	gocv.RandU(&mat, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 255, 255, 0))
	gocv.Rectangle(&mat, image.Rect(20, 20, 80, 80), color.RGBA{255, 255, 255, 0}, -1)

	data, err := encodePNG(mat)
	require.NoError(t, err)
	return data
}

func det(x1, y1, x2, y2 int, conf float64) model.Detection {
	return model.Detection{
		Box:        model.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
		ClassLabel: "person",
		Confidence: conf,
	}
}

func regionBytes(t *testing.T, data []byte, rect image.Rectangle) []byte {
	t.Helper()
	mat, err := decodeExact(data)
	require.NoError(t, err)
	defer mat.Close()
	view := mat.Region(rect)
	defer view.Close()
	crop := view.Clone()
	defer crop.Close()
	return crop.ToBytes()
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func TestProcessImageRedactsTopRegion(t *testing.T) {
	f := newFixture(t, det(10, 10, 70, 70, 0.6), det(100, 100, 160, 150, 0.9))
	original := noisyPNG(t, 200, 200)

	result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: original})
	require.NoError(t, err)
	assertScratchEmpty(t, f.cfg.Scratch.Dir)

	rec := result.Record
	assert.Equal(t, model.StatusRedacted, rec.Status)
	assert.Equal(t, 200, rec.Width)
	assert.False(t, rec.Fingerprint.IsZero())
	assert.Equal(t, "measured", rec.OriginalEntropySource)

	// 拼图只以密文保存
	assert.Empty(t, crypto.SniffImage(rec.Composite))
	composite, _, err := f.crypto.Decrypt(context.Background(), rec.Composite)
	require.NoError(t, err)
	assert.Equal(t, "PNG", crypto.SniffImage(composite))

	require.Len(t, rec.Regions, 1)
	region := rec.Regions[0]
	assert.Equal(t, 0.9, region.Confidence)
	assert.Equal(t, model.BoundingBox{X1: 100, Y1: 100, X2: 160, Y2: 150}, region.Box)
	assert.Equal(t, "PNG", region.OriginalFormat)
	assert.GreaterOrEqual(t, len(region.Ciphertext), crypto.MinCiphertextSize)
	assert.Zero(t, len(region.Ciphertext)%16)

	box := region.Box.Rect()
	assert.NotEqual(t, regionBytes(t, original, box), regionBytes(t, rec.RedactedImage, box))
	outside := image.Rect(0, 0, 90, 90)
	assert.Equal(t, regionBytes(t, original, outside), regionBytes(t, rec.RedactedImage, outside))

	require.Len(t, result.Analyses, 1)
	assert.NotNil(t, result.Analyses[0].Detail)
	assert.Greater(t, rec.EncryptionMs, 0.0)

	stored, err := f.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.RedactedImage, stored.RedactedImage)
	assert.Equal(t, rec.Fingerprint, stored.Fingerprint)
	require.Len(t, stored.Regions, 1)
}

func TestProcessImageEmptyPaths(t *testing.T) {
	t.Run("no detections", func(t *testing.T) {
		f := newFixture(t)
		result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "a.png", Data: noisyPNG(t, 120, 90)})
		require.NoError(t, err)
		assertScratchEmpty(t, f.cfg.Scratch.Dir)

		rec := result.Record
		assert.Equal(t, model.StatusEmpty, rec.Status)
		assert.Equal(t, model.ReasonNoDetections, rec.EmptyReason)
		assert.False(t, rec.Fingerprint.IsZero())
		assert.Empty(t, rec.Regions)
		assert.NotEmpty(t, rec.Composite)

		stored, err := f.store.Load(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Fingerprint, stored.Fingerprint)
	})

	t.Run("all filtered by coverage", func(t *testing.T) {
		// 80% 覆盖率
		f := newFixture(t, det(0, 0, 100, 80, 0.95))
		result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "b.png", Data: noisyPNG(t, 100, 100)})
		require.NoError(t, err)
		assert.Equal(t, model.StatusEmpty, result.Record.Status)
		assert.Equal(t, model.ReasonAllFiltered, result.Record.EmptyReason)
	})

	t.Run("zero-area after clamping", func(t *testing.T) {
		f := newFixture(t, det(150, 150, 180, 180, 0.8))
		result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "c.png", Data: noisyPNG(t, 100, 100)})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonAllFiltered, result.Record.EmptyReason)
	})
}

func TestProcessImageFailures(t *testing.T) {
	t.Run("undecodable", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "x.png", Data: []byte("not an image")})

		var pe *model.PipelineError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, StageDecode, pe.Stage)
		assert.ErrorIs(t, err, model.ErrDecode)
		assert.Zero(t, f.detector.calls.Load())
		assertScratchEmpty(t, f.cfg.Scratch.Dir)
	})

	t.Run("detector failure", func(t *testing.T) {
		f := newFixture(t)
		f.detector.err = fmt.Errorf("%w: model crashed", model.ErrDetection)
		_, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "x.png", Data: noisyPNG(t, 64, 64)})

		var pe *model.PipelineError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, StageDetect, pe.Stage)
		assert.ErrorIs(t, err, model.ErrDetection)
		assertScratchEmpty(t, f.cfg.Scratch.Dir)

		ids, err := f.store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("invalid detection", func(t *testing.T) {
		f := newFixture(t, det(10, 10, 40, 40, 1.5))
		_, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "x.png", Data: noisyPNG(t, 64, 64)})
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}

type failingSaveStore struct {
	store.Store
}

func (failingSaveStore) Save(context.Context, *model.ImageRecord) error {
	return fmt.Errorf("%w: disk full", model.ErrPersistence)
}

func TestProcessImagePersistFailure(t *testing.T) {
	cases := map[string][]model.Detection{
		"redacted": {det(10, 10, 50, 50, 0.9)},
		"empty":    nil,
	}
	for name, dets := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, dets...)
			pipeline := NewPipeline(f.cfg, f.detector, f.crypto, failingSaveStore{Store: f.store}, nil)

			result, err := pipeline.ProcessImage(context.Background(), model.Upload{Filename: "x.png", Data: noisyPNG(t, 96, 96)})
			assert.Nil(t, result)

			var pe *model.PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, StagePersist, pe.Stage)
			assert.ErrorIs(t, err, model.ErrPersistence)
			assertScratchEmpty(t, f.cfg.Scratch.Dir)

			ids, err := f.store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestRestoreImage(t *testing.T) {
	f := newFixture(t, det(30, 40, 110, 100, 0.8))
	original := noisyPNG(t, 160, 140)

	result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: original})
	require.NoError(t, err)
	rec, err := f.store.Load(context.Background(), result.Record.ID)
	require.NoError(t, err)

	restored, err := f.restorer.RestoreImage(context.Background(), rec, model.RestoreOptions{})
	require.NoError(t, err)

	report := restored.Report
	assert.False(t, report.Critical)
	assert.Equal(t, 1, report.DecryptedRegions)
	assert.Equal(t, 1.0, report.DecryptionSuccessRate)
	assert.Equal(t, "restored_scan.png", restored.Filename)
	assert.True(t, report.HasBaseline)
	assert.Greater(t, report.Similarity, report.PreSimilarity)
	assert.Greater(t, report.Improvement, 0.0)
	assert.NotEmpty(t, report.Quality)
	assert.InDelta(t, 0.8, report.AvgConfidence, 1e-9)
	assert.GreaterOrEqual(t, report.Entropy, 1.0)

	// 区域逐像素还原
	full := image.Rect(0, 0, 160, 140)
	assert.Equal(t, regionBytes(t, original, full), regionBytes(t, restored.Image, full))

	stored, err := f.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Greater(t, stored.DecryptionMs, 0.0)

	t.Run("enhance only changes delivered image", func(t *testing.T) {
		enhanced, err := f.restorer.RestoreImage(context.Background(), rec, model.RestoreOptions{Enhance: true})
		require.NoError(t, err)
		assert.True(t, enhanced.Report.Enhanced)
		assert.False(t, bytes.Equal(restored.Image, enhanced.Image))
	})

	t.Run("missing fingerprint", func(t *testing.T) {
		bare := *rec
		bare.Fingerprint = model.Fingerprint{}
		out, err := f.restorer.RestoreImage(context.Background(), &bare, model.RestoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, noFingerprintMessage, out.Report.Message)
		assert.False(t, out.Report.HasBaseline)
	})
}

func TestRestoreImageResultCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, det(30, 40, 110, 100, 0.8))
	result, err := f.pipeline.ProcessImage(ctx, model.Upload{Filename: "scan.png", Data: noisyPNG(t, 160, 140)})
	require.NoError(t, err)
	rec := result.Record

	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	restorer := NewReconstructor(f.decryptor, fingerprint.NewScorer(nil), cache.NewResultCache(client, time.Minute, 5*time.Minute), nil)

	first, err := restorer.RestoreImage(ctx, rec, model.RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, first.Report.Cached)

	second, err := restorer.RestoreImage(ctx, rec, model.RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, second.Report.Cached)
	assert.Equal(t, first.Image, second.Image)
	assert.Equal(t, first.Report.Similarity, second.Report.Similarity)

	bypassed, err := restorer.RestoreImage(ctx, rec, model.RestoreOptions{BypassCache: true})
	require.NoError(t, err)
	assert.False(t, bypassed.Report.Cached)

	// enhance 使用独立的缓存键
	enhanced, err := restorer.RestoreImage(ctx, rec, model.RestoreOptions{Enhance: true})
	require.NoError(t, err)
	assert.False(t, enhanced.Report.Cached)
	assert.True(t, enhanced.Report.Enhanced)

	require.NoError(t, restorer.ForgetResults(ctx, rec.ID))
	after, err := restorer.RestoreImage(ctx, rec, model.RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, after.Report.Cached)
}

func TestRestoreImageCriticalFailure(t *testing.T) {
	f := newFixture(t, det(30, 40, 110, 100, 0.8))
	result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: noisyPNG(t, 160, 140)})
	require.NoError(t, err)

	wrongKey := newCryptoService(t, otherKeyHex)
	decryptor := NewRegionDecryptor(wrongKey, cache.NewTwoTier(cache.NewFIFO(50), nil, nil), nil, nil)
	restorer := NewReconstructor(decryptor, fingerprint.NewScorer(nil), nil, nil)

	out, err := restorer.RestoreImage(context.Background(), result.Record, model.RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, out.Report.Critical)
	assert.Equal(t, criticalFailureError, out.Report.Error)
	assert.Equal(t, 1, out.Report.FailedRegions)
	assert.NotEmpty(t, out.Report.Details)
	assert.Equal(t, "error_blurred_scan.png", out.Filename)
	assert.Equal(t, result.Record.RedactedImage, out.Image)
}

func TestRestoreImagePartialFailure(t *testing.T) {
	f := newFixture(t, det(10, 10, 50, 50, 0.9), det(80, 80, 120, 120, 0.7))
	f.pipeline.maxRegions = 2
	result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: noisyPNG(t, 140, 140)})
	require.NoError(t, err)

	rec := result.Record
	require.Len(t, rec.Regions, 2)
	rec.Regions[1].Ciphertext = rec.Regions[1].Ciphertext[:20]

	out, err := f.restorer.RestoreImage(context.Background(), rec, model.RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, out.Report.Critical)
	assert.Equal(t, 1, out.Report.DecryptedRegions)
	assert.Equal(t, 1, out.Report.FailedRegions)
	require.Len(t, out.Report.DecryptionErrors, 1)
	assert.Contains(t, out.Report.DecryptionErrors[0], rec.Regions[1].ID)
	assert.Regexp(t, "^decryption failed for region ", out.Report.DecryptionErrors[0])

	// 失败区域保持脱敏内容
	box := rec.Regions[1].Box.Rect()
	assert.Equal(t, regionBytes(t, rec.RedactedImage, box), regionBytes(t, out.Image, box))
}

func TestRegionDecryptorCaches(t *testing.T) {
	f := newFixture(t, det(10, 10, 50, 50, 0.9))
	result, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: noisyPNG(t, 80, 80)})
	require.NoError(t, err)
	region := result.Record.Regions[0]

	first, err := f.decryptor.DecryptRegion(context.Background(), region)
	require.NoError(t, err)
	assert.Equal(t, "PNG", crypto.SniffImage(first))

	// 命中缓存时不再访问密文
	broken := region
	broken.Ciphertext = nil
	second, err := f.decryptor.DecryptRegion(context.Background(), broken)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, f.decryptor.InvalidateRegion(context.Background(), region.ID))
	_, err = f.decryptor.DecryptRegion(context.Background(), broken)
	assert.ErrorIs(t, err, model.ErrDecryption)
}

func TestEntropyRecalculation(t *testing.T) {
	f := newFixture(t, det(10, 10, 50, 50, 0.9))
	for i := 0; i < 3; i++ {
		_, err := f.pipeline.ProcessImage(context.Background(), model.Upload{Filename: "scan.png", Data: noisyPNG(t, 80, 80)})
		require.NoError(t, err)
	}

	recalc := NewEntropyRecalculator(f.store, f.decryptor, nil)
	summary, err := recalc.Recalculate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Updated)
	assert.Zero(t, summary.Errors)
	for _, d := range summary.Details {
		assert.Equal(t, RecalcUpdated, d.Status)
		assert.Equal(t, "measured", d.Source)
		assert.Len(t, d.Regions, 1)
		assert.Greater(t, d.NewEntropy, 1.0)
	}

	_, err = recalc.Recalculate(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLazyDetector(t *testing.T) {
	t.Run("constructs once", func(t *testing.T) {
		var built atomic.Int32
		inner := &fakeDetector{}
		lazy := NewLazyDetector(func() (Detector, error) {
			built.Add(1)
			return inner, nil
		}, nil)

		img := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
		defer img.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := lazy.Detect(context.Background(), img)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, built.Load())
		assert.EqualValues(t, 8, inner.calls.Load())
		assert.NoError(t, lazy.Close())
	})

	t.Run("failure is retried", func(t *testing.T) {
		attempts := 0
		lazy := NewLazyDetector(func() (Detector, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("model missing")
			}
			return &fakeDetector{}, nil
		}, nil)

		err := lazy.Warmup()
		assert.Error(t, err)

		img := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
		defer img.Close()
		_, err = lazy.Detect(context.Background(), img)
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})
}

func TestRedactRegion(t *testing.T) {
	p := DefaultRedactionParams()
	assert.Equal(t, 25, p.PixelSize(40))
	assert.Equal(t, 30, p.PixelSize(150))
	assert.Equal(t, 50, p.PixelSize(1000))

	src := gocv.NewMatWithSize(60, 80, gocv.MatTypeCV8UC3)
	defer src.Close()
	gocv.RandU(&src, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 255, 255, 0))

	out := RedactRegion(src, p)
	defer out.Close()
	assert.Equal(t, src.Rows(), out.Rows())
	assert.Equal(t, src.Cols(), out.Cols())
	assert.Equal(t, src.Type(), out.Type())

	detail := NewDetailAnalyzer().Compare(src, out)
	assert.Less(t, detail.ColorVarianceAfter, detail.ColorVarianceBefore)
}
