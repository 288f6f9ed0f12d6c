package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/softframe/internal/frame"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxSourcePixels bounds the decoded size of a single source.
const MaxSourcePixels = 100_000_000

const defaultJPEGQuality = 90

var ErrUnsupportedOutputFormat = errors.New("unsupported output format")

// Codec turns encoded bytes into images and back.
type Codec interface {
	Decode(data []byte) (image.Image, string, error)
	Encode(img image.Image, format string, quality int) ([]byte, error)
}

type imagingCodec struct{}

func (imagingCodec) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty source", frame.ErrInvalidImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode header: %v", frame.ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: width=%d height=%d", frame.ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxSourcePixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", frame.ErrInvalidImage, cfg.Width, cfg.Height, MaxSourcePixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode source image: %v", frame.ErrInvalidImage, err)
	}
	return img, format, nil
}

func (imagingCodec) Encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch NormalizeOutputFormat(format) {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = defaultJPEGQuality
		}
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "webp":
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedOutputFormat)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOutputFormat, format)
	}

	return buf.Bytes(), nil
}
