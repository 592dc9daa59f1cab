package ocr

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preprocess converts a rendered page to grayscale, smooths it and
// binarises it with a global Otsu threshold: pixels above the threshold
// become white, the rest black.
func Preprocess(img image.Image, blurSigma float64) *image.Gray {
	gray := imaging.Grayscale(img)
	if blurSigma > 0 {
		gray = imaging.Blur(gray, blurSigma)
	}

	b := gray.Bounds()
	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[gray.NRGBAAt(x, y).R]++
		}
	}
	t := OtsuThreshold(hist)

	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8(0)
			if gray.NRGBAAt(x, y).R > t {
				v = 255
			}
			out.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return out
}

// OtsuThreshold returns the level that maximises between-class variance.
func OtsuThreshold(hist [256]int) uint8 {
	total := 0
	var sum float64
	for i, h := range hist {
		total += h
		sum += float64(i * h)
	}
	if total == 0 {
		return 0
	}

	var sumB, wB, best float64
	threshold := 0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = t
		}
	}
	return uint8(threshold)
}
