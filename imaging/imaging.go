// Package imaging 抠图前的图片预处理, 以及把抠图结果放到电商画布上
package imaging

import (
	"errors"
	"image"
	"image/color"
	stddraw "image/draw"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

var ErrNoForeground = errors.New("no foreground detected")

func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(dst, dst.Bounds(), img, b.Min, stddraw.Src)
	return dst
}

// HasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
// 只要存在非 255 的像素, 就认为已经抠过图
func HasUsefulAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// ResizeWithin 等比缩放到 maxW x maxH 以内, 不放大
func ResizeWithin(img *image.NRGBA, maxW, maxH int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	return ToNRGBA(resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3))
}

// Prepare 把输入缩放到模型支持的最大分辨率以内
func Prepare(img image.Image, spec catalog.ModelSpec) *image.NRGBA {
	w, h := spec.Dimensions()
	return ResizeWithin(ToNRGBA(img), w, h)
}

// AlphaBBox 从 alpha 通道计算主体 bounding box
// alpha > threshold * 255 的像素视为主体
func AlphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	th := uint8(threshold * 255)

	minX, minY := w, h
	maxX, maxY := 0, 0
	found := false

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] <= th {
				continue
			}
			found = true
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	if !found {
		return image.Rectangle{}, ErrNoForeground
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// Compose 把抠图主体居中放到 size x size 的白色画布上, 四周留 margin
// 没有透明信息时整张图按比例放入
func Compose(cutout image.Image, size, margin int) *image.NRGBA {
	src := ToNRGBA(cutout)
	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	stddraw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, stddraw.Src)

	subject := src.Bounds()
	if bbox, err := AlphaBBox(src, 0.05); err == nil {
		subject = bbox
	}

	inner := max(1, size-2*margin)
	scale := min(float64(inner)/float64(subject.Dx()), float64(inner)/float64(subject.Dy()))
	dw := max(1, int(float64(subject.Dx())*scale))
	dh := max(1, int(float64(subject.Dy())*scale))

	x0 := (size - dw) / 2
	y0 := (size - dh) / 2
	dst := image.Rect(x0, y0, x0+dw, y0+dh)
	draw.CatmullRom.Scale(canvas, dst, src, subject, draw.Over, nil)
	return canvas
}
