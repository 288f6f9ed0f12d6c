//go:build govips && cgo

package pipeline

import (
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/softframe/internal/frame"
)

// vipsCodec adds WebP export and decodes whatever libvips can read when the
// pure-Go decoders cannot.
type vipsCodec struct {
	fallback imagingCodec
}

func (c vipsCodec) Decode(data []byte) (image.Image, string, error) {
	img, format, err := c.fallback.Decode(data)
	if err == nil {
		return img, format, nil
	}

	ref, vipsErr := vips.NewImageFromBuffer(data)
	if vipsErr != nil {
		return nil, "", err
	}
	defer ref.Close()

	if int64(ref.Width())*int64(ref.Height()) > MaxSourcePixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", frame.ErrInvalidImage, ref.Width(), ref.Height(), MaxSourcePixels)
	}
	if err := ref.AutoRotate(); err != nil {
		return nil, "", fmt.Errorf("%w: orient source image: %v", frame.ErrInvalidImage, err)
	}
	png, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, "", fmt.Errorf("%w: transcode source image: %v", frame.ErrInvalidImage, err)
	}
	img, _, err = c.fallback.Decode(png)
	if err != nil {
		return nil, "", err
	}
	return img, vips.ImageTypes[ref.Format()], nil
}

func (c vipsCodec) Encode(img image.Image, format string, quality int) ([]byte, error) {
	if NormalizeOutputFormat(format) != "webp" {
		return c.fallback.Encode(img, format, quality)
	}

	ref, err := vipsFromImage(img)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	params := vips.NewWebpExportParams()
	if quality > 0 && quality <= 100 {
		params.Quality = quality
	}
	data, _, err := ref.ExportWebp(params)
	if err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return data, nil
}
