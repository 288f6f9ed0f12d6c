package frame

import (
	"fmt"
	"image"
	"math"
)

// Geometry is derived from the source size and a Config; it is never stored.
type Geometry struct {
	SourceWidth  int
	SourceHeight int
	BorderWidth  int
	CanvasWidth  int
	CanvasHeight int
}

// ComputeGeometry derives the border and canvas size. The border never
// rounds down to zero for a non-empty source.
func ComputeGeometry(width, height int, borderScale float64) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("%w: width=%d height=%d must be positive", ErrInvalidImage, width, height)
	}

	base := min(width, height)
	border := max(1, int(math.Round(float64(base)*borderScale)))

	return Geometry{
		SourceWidth:  width,
		SourceHeight: height,
		BorderWidth:  border,
		CanvasWidth:  width + 2*border,
		CanvasHeight: height + 2*border,
	}, nil
}

func (g Geometry) Canvas() image.Rectangle {
	return image.Rect(0, 0, g.CanvasWidth, g.CanvasHeight)
}

// PhotoOrigin is where the source's top-left corner lands on the canvas.
func (g Geometry) PhotoOrigin() image.Point {
	return image.Pt(g.BorderWidth, g.BorderWidth)
}

// ShadowPadding is the anti-clip margin reserved around the silhouette: three
// standard deviations, rounded up to cover the whole blur kernel.
func ShadowPadding(shadowBlur float64) int {
	if shadowBlur <= 0 {
		return 0
	}
	return int(math.Ceil(3 * shadowBlur))
}

// ShadowOrigin is the canvas position of the padded shadow layer's top-left
// corner. It may be negative or past the canvas edge.
func (g Geometry) ShadowOrigin(cfg Config) image.Point {
	v := g.BorderWidth + cfg.ShadowOffset - ShadowPadding(cfg.ShadowBlur)
	return image.Pt(v, v)
}
