package frame

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

// kappa places cubic control points so a quarter circle is approximated
// within 0.03% of the radius.
const kappa = 0.5522847498307936

// CornerMask rasterizes a rounded rectangle covering a width x height buffer.
// Boundary pixels carry fractional coverage. A radius larger than half the
// shorter side is clamped, so the widest shape is a capsule (or a circle for
// square buffers).
func CornerMask(width, height int, radius float64) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	if width <= 0 || height <= 0 {
		return mask
	}

	r := clampRadius(width, height, radius)
	if r <= 0 {
		for i := range mask.Pix {
			mask.Pix[i] = 0xff
		}
		return mask
	}

	z := vector.NewRasterizer(width, height)
	z.DrawOp = draw.Src
	roundedRect(z, 0, 0, float32(width), float32(height), float32(r))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func clampRadius(width, height int, radius float64) float64 {
	if math.IsNaN(radius) || radius <= 0 {
		return 0
	}
	limit := float64(min(width, height)) / 2
	return math.Min(radius, limit)
}

func roundedRect(z *vector.Rasterizer, x0, y0, x1, y1, r float32) {
	k := r * kappa
	z.MoveTo(x0+r, y0)
	z.LineTo(x1-r, y0)
	z.CubeTo(x1-r+k, y0, x1, y0+r-k, x1, y0+r)
	z.LineTo(x1, y1-r)
	z.CubeTo(x1, y1-r+k, x1-r+k, y1, x1-r, y1)
	z.LineTo(x0+r, y1)
	z.CubeTo(x0+r-k, y1, x0, y1-r+k, x0, y1-r)
	z.LineTo(x0, y0+r)
	z.CubeTo(x0, y0+r-k, x0+r-k, y0, x0+r, y0)
	z.ClosePath()
}
