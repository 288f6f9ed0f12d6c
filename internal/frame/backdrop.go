package frame

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Backdrop produces the opaque background canvas from the source photo.
type Backdrop interface {
	Backdrop(src *image.NRGBA, blurRadius float64, width, height int) (*image.NRGBA, error)
}

// ImagingBackdrop blurs with a separable Gaussian (kernel radius ceil(3*sigma),
// truncated at the buffer edge with the remaining weights renormalized) and
// then resamples with Lanczos-3. Blurring a constant field is a no-op.
type ImagingBackdrop struct{}

func (ImagingBackdrop) Backdrop(src *image.NRGBA, blurRadius float64, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: canvas width=%d height=%d must be positive", ErrInvalidImage, width, height)
	}

	blurred := src
	if blurRadius > 0 {
		blurred = imaging.Blur(src, blurRadius)
	}

	bg := imaging.Resize(blurred, width, height, imaging.Lanczos)

	Flatten(bg)
	return bg, nil
}

// Flatten forces every pixel fully opaque in place.
func Flatten(img *image.NRGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
}
