package frame

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Shadow is a black, alpha-only silhouette positioned on the canvas.
type Shadow struct {
	Layer   *image.NRGBA
	Origin  image.Point
	Padding int
}

// SynthesizeShadow builds the drop shadow from the corner mask. The
// silhouette is drawn into a buffer padded by ShadowPadding on every side so
// the Gaussian support never reaches the buffer edge; the blurred alpha is then
// scaled by the opacity. It returns nil when the shadow is disabled.
func SynthesizeShadow(mask *image.Alpha, geo Geometry, cfg Config) *Shadow {
	if !cfg.ShadowEnabled() || mask == nil {
		return nil
	}

	pad := ShadowPadding(cfg.ShadowBlur)
	mw, mh := mask.Rect.Dx(), mask.Rect.Dy()
	silhouette := image.NewNRGBA(image.Rect(0, 0, mw+2*pad, mh+2*pad))
	for y := 0; y < mh; y++ {
		off := mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y)
		src := mask.Pix[off : off+mw]
		row := (y+pad)*silhouette.Stride + pad*4
		for x, a := range src {
			silhouette.Pix[row+x*4+3] = a
		}
	}

	layer := imaging.Blur(silhouette, cfg.ShadowBlur)
	ScaleAlpha(layer.Pix, cfg.ShadowOpacity)

	return &Shadow{
		Layer:   layer,
		Origin:  geo.ShadowOrigin(cfg),
		Padding: pad,
	}
}

// ScaleAlpha multiplies every fourth byte of an NRGBA pixel slice by factor,
// rounding and clamping to [0,255]. Color channels are left alone.
func ScaleAlpha(pix []uint8, factor float64) {
	if factor >= 1 {
		return
	}
	if factor <= 0 {
		for i := 3; i < len(pix); i += 4 {
			pix[i] = 0
		}
		return
	}

	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(math.Min(255, math.Round(float64(i)*factor)))
	}
	for i := 3; i < len(pix); i += 4 {
		pix[i] = lut[pix[i]]
	}
}
