package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"github.com/dunamismax/softframe/internal/pipeline"
)

// handleRender frames the request body synchronously and streams the image back.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if s.renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "synchronous rendering is disabled")
		return
	}

	settings, output, err := renderSettingsFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := output.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := settings.Resolve(s.frameDefaults)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRenderBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", s.maxRenderBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	artifact, err := s.renderer.RenderOne(r.Context(), body, cfg, output)
	if err != nil {
		if isClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("render failed bytes=%d err=%v", len(body), err)
		writeError(w, http.StatusInternalServerError, "failed to render image")
		return
	}

	s.metrics.renderBytes.WithLabelValues("in").Add(float64(len(body)))
	s.metrics.renderBytes.WithLabelValues("out").Add(float64(len(artifact.Data)))

	w.Header().Set("Content-Type", pipeline.ContentTypeForFormat(artifact.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", artifact.Name))
	w.Header().Set("X-Frame-Width", strconv.Itoa(artifact.Width))
	w.Header().Set("X-Frame-Height", strconv.Itoa(artifact.Height))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func renderSettingsFromQuery(q url.Values) (domain.FrameSettings, domain.OutputSettings, error) {
	var settings domain.FrameSettings
	floats := []struct {
		key  string
		dest **float64
	}{
		{"border_scale", &settings.BorderScale},
		{"blur_radius", &settings.BlurRadius},
		{"corner_radius", &settings.CornerRadius},
		{"shadow_blur", &settings.ShadowBlur},
		{"shadow_opacity", &settings.ShadowOpacity},
	}
	for _, f := range floats {
		raw := strings.TrimSpace(q.Get(f.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return settings, domain.OutputSettings{}, fmt.Errorf("invalid %s: %q", f.key, raw)
		}
		*f.dest = &v
	}
	if raw := strings.TrimSpace(q.Get("shadow_offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return settings, domain.OutputSettings{}, fmt.Errorf("invalid shadow_offset: %q", raw)
		}
		settings.ShadowOffset = &v
	}

	output := domain.OutputSettings{Format: strings.TrimSpace(q.Get("format"))}
	if raw := strings.TrimSpace(q.Get("quality")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return settings, output, fmt.Errorf("invalid quality: %q", raw)
		}
		output.Quality = v
	}
	return settings, output, nil
}

func isClientError(err error) bool {
	return errors.Is(err, frame.ErrInvalidImage) ||
		errors.Is(err, frame.ErrInvalidConfiguration) ||
		errors.Is(err, pipeline.ErrUnsupportedOutputFormat)
}
