// Package frame renders a photo inside a soft gallery frame: a blurred,
// enlarged copy of the photo forms the backdrop, a padded blurred silhouette
// forms the drop shadow, and the photo itself is pasted on top through an
// antialiased rounded-corner mask.
//
// The package works on in-memory buffers only. Decoding, encoding and storage
// belong to the callers.
package frame

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidImage         = errors.New("invalid image")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Config is the immutable set of knobs for one render. Callers own the
// defaults table and validate user input before handing a Config over.
type Config struct {
	// BorderScale is the border width as a fraction of the shorter source edge.
	BorderScale float64 `json:"border_scale"`
	// BlurRadius is the Gaussian sigma applied to the backdrop.
	BlurRadius float64 `json:"blur_radius"`
	// CornerRadius is in source pixels and is clamped to min(W,H)/2.
	CornerRadius float64 `json:"corner_radius"`
	ShadowBlur   float64 `json:"shadow_blur"`
	// ShadowOpacity scales the blurred silhouette alpha.
	ShadowOpacity float64 `json:"shadow_opacity"`
	// ShadowOffset shifts the shadow right and down; negative values shift it up-left.
	ShadowOffset int `json:"shadow_offset"`
}

func (c Config) Validate() error {
	if err := checkFinite("border_scale", c.BorderScale); err != nil {
		return err
	}
	if c.BorderScale < 0 || c.BorderScale >= 1 {
		return fmt.Errorf("%w: border_scale=%v must be in [0,1)", ErrInvalidConfiguration, c.BorderScale)
	}
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"blur_radius", c.BlurRadius},
		{"corner_radius", c.CornerRadius},
		{"shadow_blur", c.ShadowBlur},
	} {
		if err := checkFinite(p.name, p.value); err != nil {
			return err
		}
		if p.value < 0 {
			return fmt.Errorf("%w: %s=%v must be >= 0", ErrInvalidConfiguration, p.name, p.value)
		}
	}
	if err := checkFinite("shadow_opacity", c.ShadowOpacity); err != nil {
		return err
	}
	if c.ShadowOpacity < 0 || c.ShadowOpacity > 1 {
		return fmt.Errorf("%w: shadow_opacity=%v must be in [0,1]", ErrInvalidConfiguration, c.ShadowOpacity)
	}
	return nil
}

// ShadowEnabled reports whether the shadow stage produces a layer at all.
func (c Config) ShadowEnabled() bool {
	return c.ShadowBlur > 0 && c.ShadowOpacity > 0
}

func checkFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s=%v is not a finite number", ErrInvalidConfiguration, name, v)
	}
	return nil
}
