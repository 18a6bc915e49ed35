package vehiclecolor

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// hsvPlanes holds an image in OpenCV 8-bit HSV scale.
type hsvPlanes struct {
	w, h    int
	H, S, V []uint8
}

func (p *hsvPlanes) len() int { return p.w * p.h }

// normalize resizes img to size x size and applies a 5x5 Gaussian blur.
func normalize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return gaussianBlur5(dst)
}

// 5-tap binomial kernel; matches a 5x5 Gaussian with sigma derived from size.
var kernel5 = [5]float64{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

func gaussianBlur5(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]float64, w*h*3)
	out := image.NewRGBA(b)

	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [3]float64
			for k := -2; k <= 2; k++ {
				xx := clamp(x+k, w-1)
				off := src.PixOffset(b.Min.X+xx, b.Min.Y+y)
				for c := 0; c < 3; c++ {
					acc[c] += kernel5[k+2] * float64(src.Pix[off+c])
				}
			}
			copy(tmp[(y*w+x)*3:], acc[:])
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [3]float64
			for k := -2; k <= 2; k++ {
				yy := clamp(y+k, h-1)
				for c := 0; c < 3; c++ {
					acc[c] += kernel5[k+2] * tmp[(yy*w+x)*3+c]
				}
			}
			off := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				out.Pix[off+c] = toByte(acc[c])
			}
			out.Pix[off+3] = 0xff
		}
	}
	return out
}

func toByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func toHSV(img *image.RGBA) *hsvPlanes {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	p := &hsvPlanes{
		w: w, h: h,
		H: make([]uint8, w*h),
		S: make([]uint8, w*h),
		V: make([]uint8, w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			p.H[i], p.S[i], p.V[i] = rgbToHSV(img.Pix[off], img.Pix[off+1], img.Pix[off+2])
		}
	}
	return p
}

// rgbToHSV converts to OpenCV's 8-bit HSV: hue is degrees/2.
func rgbToHSV(r8, g8, b8 uint8) (uint8, uint8, uint8) {
	r, g, b := float64(r8), float64(g8), float64(b8)
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	diff := maxC - minC

	var s float64
	if maxC > 0 {
		s = 255 * diff / maxC
	}

	var hue float64
	if diff > 0 {
		switch maxC {
		case r:
			hue = 60 * (g - b) / diff
		case g:
			hue = 120 + 60*(b-r)/diff
		default:
			hue = 240 + 60*(r-g)/diff
		}
		if hue < 0 {
			hue += 360
		}
	}
	return toByte(hue / 2), toByte(s), toByte(maxC)
}

// grayLevels returns BT.601 luma for every pixel of img.
func grayLevels(img image.Image) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, 0.299*float64(r>>8)+0.587*float64(g>>8)+0.114*float64(bl>>8))
		}
	}
	return out
}
