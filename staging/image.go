package staging

import (
	"image"

	"golang.org/x/image/draw"
)

// MipLevel is one tightly packed RGBA8 level of a mip chain.
type MipLevel struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

// MipLevelCount returns the number of levels in a full chain for a
// width x height image.
func MipLevelCount(width, height int) int {
	n := 1
	for width > 1 || height > 1 {
		width = max(width/2, 1)
		height = max(height/2, 1)
		n++
	}
	return n
}

// MipChain converts img to RGBA8 and builds up to levels mip levels by
// repeated bilinear halving. levels <= 0 builds the full chain.
func MipChain(img image.Image, levels int) []MipLevel {
	b := img.Bounds()
	if b.Empty() {
		return nil
	}
	full := MipLevelCount(b.Dx(), b.Dy())
	if levels <= 0 || levels > full {
		levels = full
	}

	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), img, b.Min, draw.Src)

	out := make([]MipLevel, 0, levels)
	out = append(out, levelOf(base))
	prev := base
	for len(out) < levels {
		w := max(prev.Bounds().Dx()/2, 1)
		h := max(prev.Bounds().Dy()/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		out = append(out, levelOf(next))
		prev = next
	}
	return out
}

func levelOf(img *image.RGBA) MipLevel {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	pixels := img.Pix
	if img.Stride != w*4 {
		pixels = make([]byte, 0, w*h*4)
		for y := range h {
			pixels = append(pixels, img.Pix[y*img.Stride:y*img.Stride+w*4]...)
		}
	}
	return MipLevel{Width: uint32(w), Height: uint32(h), Pixels: pixels}
}
