package domain

import "github.com/dunamismax/softframe/internal/frame"

// DefaultFrameConfig is the gallery look shipped with the service.
var DefaultFrameConfig = frame.Config{
	BorderScale:   0.09,
	BlurRadius:    100,
	CornerRadius:  120,
	ShadowBlur:    20,
	ShadowOpacity: 0.2,
	ShadowOffset:  0,
}

// FrameSettings is a partial frame.Config as submitted by clients; nil fields
// fall back to the defaults they are resolved against.
type FrameSettings struct {
	BorderScale   *float64 `json:"border_scale,omitempty"`
	BlurRadius    *float64 `json:"blur_radius,omitempty"`
	CornerRadius  *float64 `json:"corner_radius,omitempty"`
	ShadowBlur    *float64 `json:"shadow_blur,omitempty"`
	ShadowOpacity *float64 `json:"shadow_opacity,omitempty"`
	ShadowOffset  *int     `json:"shadow_offset,omitempty"`
}

func (s FrameSettings) Resolve(defaults frame.Config) frame.Config {
	cfg := defaults
	if s.BorderScale != nil {
		cfg.BorderScale = *s.BorderScale
	}
	if s.BlurRadius != nil {
		cfg.BlurRadius = *s.BlurRadius
	}
	if s.CornerRadius != nil {
		cfg.CornerRadius = *s.CornerRadius
	}
	if s.ShadowBlur != nil {
		cfg.ShadowBlur = *s.ShadowBlur
	}
	if s.ShadowOpacity != nil {
		cfg.ShadowOpacity = *s.ShadowOpacity
	}
	if s.ShadowOffset != nil {
		cfg.ShadowOffset = *s.ShadowOffset
	}
	return cfg
}
