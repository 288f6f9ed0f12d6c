package frame

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// Layers holds every intermediate buffer of one render.
type Layers struct {
	Geometry   Geometry
	Background *image.NRGBA
	Mask       *image.Alpha
	Shadow     *Shadow
	Output     *image.NRGBA
}

type Renderer struct {
	backdrop Backdrop
}

type Option func(*Renderer)

// WithBackdrop swaps the background synthesizer. A nil backdrop keeps the default.
func WithBackdrop(b Backdrop) Option {
	return func(r *Renderer) {
		if b != nil {
			r.backdrop = b
		}
	}
}

func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{backdrop: ImagingBackdrop{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render frames src and returns the opaque canvas.
func (r *Renderer) Render(src image.Image, cfg Config) (*image.NRGBA, error) {
	layers, err := r.RenderLayers(src, cfg)
	if err != nil {
		return nil, err
	}
	return layers.Output, nil
}

// RenderLayers runs the full pipeline and keeps the intermediate buffers.
func (r *Renderer) RenderLayers(src image.Image, cfg Config) (Layers, error) {
	if err := cfg.Validate(); err != nil {
		return Layers{}, err
	}
	if isNilImage(src) {
		return Layers{}, fmt.Errorf("%w: source is nil", ErrInvalidImage)
	}

	b := src.Bounds()
	geo, err := ComputeGeometry(b.Dx(), b.Dy(), cfg.BorderScale)
	if err != nil {
		return Layers{}, err
	}

	photo := imaging.Clone(src)

	var (
		g    errgroup.Group
		bg   *image.NRGBA
		mask *image.Alpha
	)
	g.Go(func() error {
		var err error
		bg, err = r.backdrop.Backdrop(photo, cfg.BlurRadius, geo.CanvasWidth, geo.CanvasHeight)
		if err != nil {
			return fmt.Errorf("background: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mask = CornerMask(geo.SourceWidth, geo.SourceHeight, cfg.CornerRadius)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Layers{}, err
	}
	if bg.Rect.Dx() != geo.CanvasWidth || bg.Rect.Dy() != geo.CanvasHeight {
		return Layers{}, fmt.Errorf("background: got %dx%d, want %dx%d", bg.Rect.Dx(), bg.Rect.Dy(), geo.CanvasWidth, geo.CanvasHeight)
	}

	shadow := SynthesizeShadow(mask, geo, cfg)

	out, err := Composite(bg, shadow, photo, mask, geo.BorderWidth)
	if err != nil {
		return Layers{}, fmt.Errorf("composite: %w", err)
	}

	return Layers{
		Geometry:   geo,
		Background: bg,
		Mask:       mask,
		Shadow:     shadow,
		Output:     out,
	}, nil
}

// isNilImage catches nil interfaces and nil pointers of the decoder types.
func isNilImage(img image.Image) bool {
	switch v := img.(type) {
	case nil:
		return true
	case *image.NRGBA:
		return v == nil
	case *image.RGBA:
		return v == nil
	case *image.NRGBA64:
		return v == nil
	case *image.RGBA64:
		return v == nil
	case *image.YCbCr:
		return v == nil
	case *image.NYCbCrA:
		return v == nil
	case *image.Gray:
		return v == nil
	case *image.Gray16:
		return v == nil
	case *image.CMYK:
		return v == nil
	case *image.Paletted:
		return v == nil
	case *image.Alpha:
		return v == nil
	case *image.Alpha16:
		return v == nil
	}
	return false
}
