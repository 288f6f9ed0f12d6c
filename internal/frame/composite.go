package frame

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Composite lays the shadow and then the masked photo over the background
// using alpha-over blending. Any part of the shadow layer that falls outside
// the canvas is clipped. The background is not modified.
func Composite(background *image.NRGBA, shadow *Shadow, src *image.NRGBA, mask *image.Alpha, border int) (*image.NRGBA, error) {
	if background == nil || src == nil || mask == nil {
		return nil, fmt.Errorf("%w: composite requires background, source and mask", ErrInvalidImage)
	}
	if src.Rect.Size() != mask.Rect.Size() {
		return nil, fmt.Errorf("%w: source %v and mask %v differ in size", ErrInvalidImage, src.Rect.Size(), mask.Rect.Size())
	}

	canvas := background
	if shadow != nil && shadow.Layer != nil {
		canvas = imaging.Overlay(canvas, shadow.Layer, shadow.Origin, 1.0)
	}

	photo := applyMask(src, mask)
	return imaging.Overlay(canvas, photo, image.Pt(border, border), 1.0), nil
}

// applyMask returns a copy of src whose alpha plane is the mask, so the mask
// alone decides how much of each photo pixel shows through.
func applyMask(src *image.NRGBA, mask *image.Alpha) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		si := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		mi := mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y)
		di := y * out.Stride
		copy(out.Pix[di:di+w*4], src.Pix[si:si+w*4])
		for x := 0; x < w; x++ {
			out.Pix[di+x*4+3] = mask.Pix[mi+x]
		}
	}
	return out
}
