package service

import (
	"image"

	"gocv.io/x/gocv"
)

// BlurPass 一次高斯模糊，Kernel 必须为奇数
type BlurPass struct {
	Kernel int
	Sigma  float64
}

// RedactionParams 不可逆外观的叠加变换：两次大核模糊、高斯噪声、块像素化、灰色覆盖
type RedactionParams struct {
	Blur         []BlurPass
	NoiseSigma   float64
	MinPixel     int
	MaxPixel     int
	PixelDivisor int
	OverlayGray  float64
	OverlayAlpha float64
}

func DefaultRedactionParams() RedactionParams {
	return RedactionParams{
		Blur:         []BlurPass{{Kernel: 201, Sigma: 100}, {Kernel: 151, Sigma: 80}},
		NoiseSigma:   40,
		MinPixel:     25,
		MaxPixel:     50,
		PixelDivisor: 5,
		OverlayGray:  150,
		OverlayAlpha: 0.75,
	}
}

// PixelSize 像素块大小，clamp(MinPixel, MaxPixel, 宽度/PixelDivisor)
func (p RedactionParams) PixelSize(width int) int {
	return max(p.MinPixel, min(p.MaxPixel, width/p.PixelDivisor))
}

// RedactRegion 对区域应用脱敏变换，返回新 Mat，调用方负责 Close
func RedactRegion(region gocv.Mat, p RedactionParams) gocv.Mat {
	out := region.Clone()

	for _, pass := range p.Blur {
		blurred := gocv.NewMat()
		gocv.GaussianBlur(out, &blurred, image.Pt(pass.Kernel, pass.Kernel), pass.Sigma, pass.Sigma, gocv.BorderDefault)
		out.Close()
		out = blurred
	}

	if p.NoiseSigma > 0 {
		noisy := addGaussianNoise(out, p.NoiseSigma)
		out.Close()
		out = noisy
	}

	w, h := out.Cols(), out.Rows()
	if pixel := p.PixelSize(w); w > pixel && h > pixel {
		small := gocv.NewMat()
		gocv.Resize(out, &small, image.Pt(w/pixel, h/pixel), 0, 0, gocv.InterpolationLinear)
		pixelated := gocv.NewMat()
		gocv.Resize(small, &pixelated, image.Pt(w, h), 0, 0, gocv.InterpolationNearestNeighbor)
		small.Close()
		out.Close()
		out = pixelated
	}

	if p.OverlayAlpha > 0 {
		g := p.OverlayGray
		gray := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(g, g, g, 255), h, w, out.Type())
		overlaid := gocv.NewMat()
		gocv.AddWeighted(out, 1-p.OverlayAlpha, gray, p.OverlayAlpha, 0, &overlaid)
		gray.Close()
		out.Close()
		out = overlaid
	}
	return out
}

// addGaussianNoise 在 16 位有符号空间叠加 N(0, σ) 噪声后饱和转换回 8 位
func addGaussianNoise(src gocv.Mat, sigma float64) gocv.Mat {
	wide := gocv.NewMat()
	defer wide.Close()
	src.ConvertTo(&wide, signed16(src.Channels()))

	noise := gocv.NewMatWithSize(src.Rows(), src.Cols(), signed16(src.Channels()))
	defer noise.Close()
	gocv.RandN(&noise, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(sigma, sigma, sigma, sigma))

	sum := gocv.NewMat()
	defer sum.Close()
	gocv.Add(wide, noise, &sum)

	out := gocv.NewMat()
	sum.ConvertTo(&out, src.Type())
	return out
}

func signed16(channels int) gocv.MatType {
	switch channels {
	case 1:
		return gocv.MatTypeCV16SC1
	case 4:
		return gocv.MatTypeCV16SC4
	default:
		return gocv.MatTypeCV16SC3
	}
}

// applyRegion 将 patch 写回 dst 的 rect 区域（直接覆盖像素）
func applyRegion(dst *gocv.Mat, rect image.Rectangle, patch gocv.Mat) error {
	roi := dst.Region(rect)
	defer roi.Close()
	return patch.CopyTo(&roi)
}

// Sharpen 反锐化掩模，仅用于交付图像
func Sharpen(src gocv.Mat) gocv.Mat {
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), 3, 3, gocv.BorderDefault)

	out := gocv.NewMat()
	gocv.AddWeighted(src, 1.5, blurred, -0.5, 0, &out)
	return out
}
