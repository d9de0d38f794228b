package imaging

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

const (
	complexitySide = 128
	edgeThreshold  = 32
	edgeSaturation = 0.25
	stdSaturation  = 80.0
)

// Complexity 估算图片复杂度, 取值 [0,1]
// 纯色棚拍接近 0, 背景杂乱或细节多 (头发, 蕾丝, 枝叶) 接近 1
// 由缩小后灰度图的强梯度占比和亮度离散度加权得到
func Complexity(img image.Image) float64 {
	gray := downscaledGray(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	for _, v := range gray.Pix {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	n := float64(len(gray.Pix))
	mean := sum / n
	std := math.Sqrt(math.Max(0, sumSq/n-mean*mean))

	edges, inner := 0, 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := int(gray.Pix[y*gray.Stride+x+1]) - int(gray.Pix[y*gray.Stride+x-1])
			gy := int(gray.Pix[(y+1)*gray.Stride+x]) - int(gray.Pix[(y-1)*gray.Stride+x])
			if abs(gx)+abs(gy) > edgeThreshold {
				edges++
			}
			inner++
		}
	}
	density := float64(edges) / float64(inner)

	score := 0.6*math.Min(1, density/edgeSaturation) + 0.4*math.Min(1, std/stdSaturation)
	return math.Round(score*1000) / 1000
}

// downscaledGray 灰度化并缩放到最长边不超过 complexitySide
func downscaledGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(x+b.Min.X, y+b.Min.Y).RGBA()
			gray.Pix[y*gray.Stride+x] = uint8((299*r + 587*g + 114*bl) / 1000 >> 8)
		}
	}

	longest := max(b.Dx(), b.Dy())
	if longest <= complexitySide {
		return gray
	}
	ratio := float64(complexitySide) / float64(longest)
	nw := max(1, int(float64(b.Dx())*ratio))
	nh := max(1, int(float64(b.Dy())*ratio))
	resized := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	return resized
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
