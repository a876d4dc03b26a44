package service

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/model"
)

// decodeImage 解码为 3 通道 BGR。失败时返回的 Mat 无需关闭
func decodeImage(data []byte) (gocv.Mat, error) {
	return decodeWithFlags(data, gocv.IMReadColor)
}

// decodeExact 按原始通道与位深解码，不做任何转换
func decodeExact(data []byte) (gocv.Mat, error) {
	return decodeWithFlags(data, gocv.IMReadUnchanged)
}

func decodeWithFlags(data []byte, flags gocv.IMReadFlag) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.Mat{}, fmt.Errorf("%w: empty buffer", model.ErrDecode)
	}
	mat, err := gocv.IMDecode(data, flags)
	if err != nil {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("%w: unsupported or corrupt image", model.ErrDecode)
	}
	return mat, nil
}

// encodePNG 无损编码
func encodePNG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// matToImage 转为 image.Image 供指纹计算使用
func matToImage(mat gocv.Mat) (image.Image, error) {
	if mat.Channels() == 3 || mat.Channels() == 4 || mat.Channels() == 1 {
		return mat.ToImage()
	}
	return nil, fmt.Errorf("%w: unsupported channel count %d", model.ErrDecode, mat.Channels())
}

// fitWidth 按比例缩放到不超过 maxWidth 的宽度，返回新 Mat 与缩放比例
func fitWidth(img gocv.Mat, maxWidth int) (gocv.Mat, float64) {
	width := img.Cols()
	height := img.Rows()
	if width <= maxWidth {
		return img.Clone(), 1.0
	}

	scale := float64(maxWidth) / float64(width)
	newHeight := max(1, int(float64(height)*scale))

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Point{X: maxWidth, Y: newHeight}, 0, 0, gocv.InterpolationArea)
	return resized, scale
}

// matchChannels 将 src 转换为与 want 相同的通道数，返回新 Mat
func matchChannels(src gocv.Mat, want int) (gocv.Mat, error) {
	have := src.Channels()
	if have == want {
		return src.Clone(), nil
	}

	var code gocv.ColorConversionCode
	switch {
	case have == 1 && want == 3:
		code = gocv.ColorGrayToBGR
	case have == 1 && want == 4:
		code = gocv.ColorGrayToBGRA
	case have == 3 && want == 4:
		code = gocv.ColorBGRToBGRA
	case have == 4 && want == 3:
		code = gocv.ColorBGRAToBGR
	case have == 3 && want == 1:
		code = gocv.ColorBGRToGray
	case have == 4 && want == 1:
		code = gocv.ColorBGRAToGray
	default:
		return gocv.Mat{}, fmt.Errorf("cannot convert %d channels to %d", have, want)
	}

	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, code)
	return dst, nil
}

// pixelBytes 返回连续的像素字节及通道数
func pixelBytes(mat gocv.Mat) ([]byte, int) {
	if mat.IsContinuous() {
		return mat.ToBytes(), mat.Channels()
	}
	clone := mat.Clone()
	defer clone.Close()
	return clone.ToBytes(), clone.Channels()
}
