//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/softframe/internal/frame"
)

// vipsBackdrop runs the blur and Lanczos-3 resample in libvips.
type vipsBackdrop struct{}

func (vipsBackdrop) Backdrop(src *image.NRGBA, blurRadius float64, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: canvas width=%d height=%d must be positive", frame.ErrInvalidImage, width, height)
	}

	img, err := vipsFromImage(src)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if blurRadius > 0 {
		if err := img.GaussianBlur(blurRadius); err != nil {
			return nil, fmt.Errorf("blur backdrop: %w", err)
		}
	}

	hScale := float64(width) / float64(img.Width())
	vScale := float64(height) / float64(img.Height())
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize backdrop: %w", err)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export backdrop: %w", err)
	}
	decoded, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode backdrop: %w", err)
	}

	bg := imaging.Clone(decoded)
	// vips rounds scaled sizes; snap to the exact canvas.
	if bg.Bounds().Dx() != width || bg.Bounds().Dy() != height {
		bg = imaging.Resize(bg, width, height, imaging.Lanczos)
	}
	frame.Flatten(bg)
	return bg, nil
}

func vipsFromImage(img image.Image) (*vips.ImageRef, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(0)); err != nil {
		return nil, fmt.Errorf("stage image for vips: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load image into vips: %w", err)
	}
	return ref, nil
}
