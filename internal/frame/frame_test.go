package frame

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func TestComputeGeometry(t *testing.T) {
	cases := []struct {
		name       string
		w, h       int
		scale      float64
		wantBorder int
	}{
		{"square tenth", 100, 100, 0.1, 10},
		{"landscape uses short edge", 400, 200, 0.09, 18},
		{"portrait rounds half up", 150, 250, 0.07, 11},
		{"zero scale floors to one", 50, 50, 0, 1},
		{"tiny source", 1, 1, 0.3, 1},
		{"small product rounds to zero", 3, 7, 0.1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			geo, err := ComputeGeometry(tc.w, tc.h, tc.scale)
			if err != nil {
				t.Fatalf("compute geometry: %v", err)
			}
			if geo.BorderWidth != tc.wantBorder {
				t.Fatalf("expected border %d, got %d", tc.wantBorder, geo.BorderWidth)
			}
			if geo.CanvasWidth != tc.w+2*tc.wantBorder || geo.CanvasHeight != tc.h+2*tc.wantBorder {
				t.Fatalf("unexpected canvas %dx%d", geo.CanvasWidth, geo.CanvasHeight)
			}
		})
	}
}

func TestComputeGeometryMatchesFormulaAcrossRange(t *testing.T) {
	for _, w := range []int{1, 2, 17, 100, 333} {
		for _, h := range []int{1, 5, 64, 250} {
			for s := 0.0; s <= 0.3; s += 0.025 {
				geo, err := ComputeGeometry(w, h, s)
				if err != nil {
					t.Fatalf("compute geometry %dx%d scale=%v: %v", w, h, s, err)
				}
				want := max(1, int(math.Round(float64(min(w, h))*s)))
				if geo.BorderWidth != want {
					t.Fatalf("%dx%d scale=%v: expected border %d, got %d", w, h, s, want, geo.BorderWidth)
				}
				if geo.CanvasWidth != w+2*want || geo.CanvasHeight != h+2*want {
					t.Fatalf("%dx%d scale=%v: unexpected canvas %dx%d", w, h, s, geo.CanvasWidth, geo.CanvasHeight)
				}
			}
		}
	}
}

func TestComputeGeometryRejectsEmptySource(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-4, 8}} {
		if _, err := ComputeGeometry(dims[0], dims[1], 0.1); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("expected ErrInvalidImage for %v, got %v", dims, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{BorderScale: 0.09, BlurRadius: 100, CornerRadius: 120, ShadowBlur: 20, ShadowOpacity: 0.2, ShadowOffset: -30}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	invalid := map[string]Config{
		"border scale one":   {BorderScale: 1},
		"negative border":    {BorderScale: -0.1},
		"negative blur":      {BlurRadius: -1},
		"negative corner":    {CornerRadius: -5},
		"negative shadow":    {ShadowBlur: -2},
		"opacity above one":  {ShadowOpacity: 1.5},
		"nan blur":           {BlurRadius: math.NaN()},
		"infinite opacity":   {ShadowOpacity: math.Inf(1)},
		"negative opacity":   {ShadowOpacity: -0.01},
		"infinite corner":    {CornerRadius: math.Inf(1)},
		"nan border scale":   {BorderScale: math.NaN()},
		"infinite shadow px": {ShadowBlur: math.Inf(1)},
	}
	for name, cfg := range invalid {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", name, err)
		}
	}
}

func TestCornerMaskZeroRadiusIsFullRectangle(t *testing.T) {
	mask := CornerMask(37, 21, 0)
	for i, v := range mask.Pix {
		if v != 0xff {
			t.Fatalf("expected 255 at index %d, got %d", i, v)
		}
	}
}

func TestCornerMaskRoundsCorners(t *testing.T) {
	mask := CornerMask(100, 80, 10)

	if got := mask.AlphaAt(0, 0).A; got != 0 {
		t.Fatalf("expected transparent corner, got %d", got)
	}
	if got := mask.AlphaAt(99, 79).A; got != 0 {
		t.Fatalf("expected transparent opposite corner, got %d", got)
	}
	if got := mask.AlphaAt(50, 40).A; got != 0xff {
		t.Fatalf("expected opaque center, got %d", got)
	}
	if got := mask.AlphaAt(50, 0).A; got != 0xff {
		t.Fatalf("expected opaque straight edge, got %d", got)
	}

	partial := 0
	for _, v := range mask.Pix {
		if v > 0 && v < 0xff {
			partial++
		}
	}
	if partial == 0 {
		t.Fatal("expected antialiased pixels along the curved boundary")
	}
}

func TestCornerMaskIsSymmetric(t *testing.T) {
	mask := CornerMask(64, 48, 17)
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			a := int(mask.AlphaAt(x, y).A)
			b := int(mask.AlphaAt(63-x, 47-y).A)
			if diff := a - b; diff > 2 || diff < -2 {
				t.Fatalf("asymmetric coverage at (%d,%d): %d vs %d", x, y, a, b)
			}
		}
	}
}

func TestCornerMaskClampsOversizedRadius(t *testing.T) {
	clamped := CornerMask(60, 40, 20)
	for _, radius := range []float64{20.5, 100, 1e9} {
		mask := CornerMask(60, 40, radius)
		for i := range mask.Pix {
			if mask.Pix[i] != clamped.Pix[i] {
				t.Fatalf("radius=%v differs from clamped mask at index %d: %d vs %d", radius, i, mask.Pix[i], clamped.Pix[i])
			}
		}
	}

	if got := clamped.AlphaAt(30, 20).A; got != 0xff {
		t.Fatalf("expected opaque capsule center, got %d", got)
	}
	if got := clamped.AlphaAt(1, 20).A; got < 200 {
		t.Fatalf("expected capsule to reach the left edge at mid height, got %d", got)
	}
	if got := clamped.AlphaAt(0, 0).A; got != 0 {
		t.Fatalf("expected transparent corner, got %d", got)
	}
}

func TestCornerMaskSquareDegeneratesToCircle(t *testing.T) {
	mask := CornerMask(50, 50, 500)

	var sum float64
	for _, v := range mask.Pix {
		sum += float64(v) / 255
	}
	want := math.Pi * 25 * 25
	if math.Abs(sum-want)/want > 0.01 {
		t.Fatalf("expected circle area near %.1f, got %.1f", want, sum)
	}
}

func TestSynthesizeShadowOuterRingIsTransparent(t *testing.T) {
	geo, err := ComputeGeometry(60, 40, 0.1)
	if err != nil {
		t.Fatalf("compute geometry: %v", err)
	}

	for _, blur := range []float64{0.5, 1, 1.3, 2, 5, 12, 20} {
		cfg := Config{CornerRadius: 8, ShadowBlur: blur, ShadowOpacity: 1}
		shadow := SynthesizeShadow(CornerMask(60, 40, cfg.CornerRadius), geo, cfg)
		if shadow == nil {
			t.Fatalf("blur=%v: expected shadow layer", blur)
		}

		layer := shadow.Layer
		w, h := layer.Rect.Dx(), layer.Rect.Dy()
		if w != 60+2*shadow.Padding || h != 40+2*shadow.Padding {
			t.Fatalf("blur=%v: unexpected layer size %dx%d for padding %d", blur, w, h, shadow.Padding)
		}

		for x := 0; x < w; x++ {
			assertNearTransparent(t, blur, layer.NRGBAAt(x, 0).A, x, 0)
			assertNearTransparent(t, blur, layer.NRGBAAt(x, h-1).A, x, h-1)
		}
		for y := 0; y < h; y++ {
			assertNearTransparent(t, blur, layer.NRGBAAt(0, y).A, 0, y)
			assertNearTransparent(t, blur, layer.NRGBAAt(w-1, y).A, w-1, y)
		}

		if center := layer.NRGBAAt(w/2, h/2).A; center < 100 {
			t.Fatalf("blur=%v: expected dense shadow center, got %d", blur, center)
		}
	}
}

func assertNearTransparent(t *testing.T, blur float64, a uint8, x, y int) {
	t.Helper()
	const tolerance = 3
	if a > tolerance {
		t.Fatalf("blur=%v: outer ring alpha at (%d,%d) is %d, expected <= %d", blur, x, y, a, tolerance)
	}
}

func TestSynthesizeShadowGeometry(t *testing.T) {
	geo, err := ComputeGeometry(100, 100, 0.1)
	if err != nil {
		t.Fatalf("compute geometry: %v", err)
	}
	cfg := Config{ShadowBlur: 20, ShadowOpacity: 0.2, ShadowOffset: 5}
	shadow := SynthesizeShadow(CornerMask(100, 100, 0), geo, cfg)
	if shadow == nil {
		t.Fatal("expected shadow")
	}
	if shadow.Padding != 60 {
		t.Fatalf("expected padding 60, got %d", shadow.Padding)
	}
	if want := image.Pt(10+5-60, 10+5-60); shadow.Origin != want {
		t.Fatalf("expected origin %v, got %v", want, shadow.Origin)
	}

	maxAlpha := uint8(0)
	for i := 3; i < len(shadow.Layer.Pix); i += 4 {
		if shadow.Layer.Pix[i] > maxAlpha {
			maxAlpha = shadow.Layer.Pix[i]
		}
		if shadow.Layer.Pix[i-3] != 0 || shadow.Layer.Pix[i-2] != 0 || shadow.Layer.Pix[i-1] != 0 {
			t.Fatal("expected black silhouette")
		}
	}
	if maxAlpha > 51 {
		t.Fatalf("expected alpha scaled by opacity 0.2, max alpha %d", maxAlpha)
	}
}

func TestSynthesizeShadowDisabled(t *testing.T) {
	geo, _ := ComputeGeometry(20, 20, 0.1)
	mask := CornerMask(20, 20, 4)
	if s := SynthesizeShadow(mask, geo, Config{ShadowBlur: 0, ShadowOpacity: 0.5}); s != nil {
		t.Fatal("expected no shadow for zero blur")
	}
	if s := SynthesizeShadow(mask, geo, Config{ShadowBlur: 10, ShadowOpacity: 0}); s != nil {
		t.Fatal("expected no shadow for zero opacity")
	}
}

func TestScaleAlpha(t *testing.T) {
	pix := []uint8{10, 20, 30, 255, 1, 2, 3, 100, 0, 0, 0, 0}
	ScaleAlpha(pix, 0.5)

	want := []uint8{10, 20, 30, 128, 1, 2, 3, 50, 0, 0, 0, 0}
	for i := range pix {
		if pix[i] != want[i] {
			t.Fatalf("index %d: expected %d, got %d", i, want[i], pix[i])
		}
	}

	ScaleAlpha(pix, 0)
	if pix[3] != 0 || pix[7] != 0 || pix[0] != 10 {
		t.Fatalf("expected alpha cleared and color kept, got %v", pix)
	}
}

func TestRenderUniformRedScenario(t *testing.T) {
	src := uniform(100, 100, color.NRGBA{R: 255, A: 255})
	cfg := Config{BorderScale: 0.1, BlurRadius: 0, CornerRadius: 10, ShadowBlur: 20, ShadowOpacity: 0}

	layers, err := NewRenderer().RenderLayers(src, cfg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if layers.Geometry.BorderWidth != 10 {
		t.Fatalf("expected border 10, got %d", layers.Geometry.BorderWidth)
	}
	if got := layers.Output.Rect.Size(); got != image.Pt(120, 120) {
		t.Fatalf("expected 120x120 canvas, got %v", got)
	}

	red := color.NRGBA{R: 255, A: 255}
	for _, p := range []image.Point{{0, 0}, {119, 119}, {60, 0}} {
		if got := layers.Background.NRGBAAt(p.X, p.Y); got != red {
			t.Fatalf("expected uniform red background at %v, got %v", p, got)
		}
	}
	if got := layers.Output.NRGBAAt(60, 60); got != red {
		t.Fatalf("expected red at canvas center, got %v", got)
	}
	if got := layers.Mask.AlphaAt(0, 0).A; got != 0 {
		t.Fatalf("expected mask 0 at photo corner, got %d", got)
	}
	if got := layers.Output.NRGBAAt(10, 10); got != red {
		t.Fatalf("expected background red at clipped photo corner, got %v", got)
	}
	if layers.Shadow != nil {
		t.Fatal("expected shadow stage disabled by zero opacity")
	}
}

func TestRenderMinimumBorderScenario(t *testing.T) {
	src := uniform(50, 50, color.NRGBA{G: 200, A: 255})
	out, err := NewRenderer().Render(src, Config{BorderScale: 0})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := out.Rect.Size(); got != image.Pt(52, 52) {
		t.Fatalf("expected 52x52 canvas, got %v", got)
	}
}

func TestRenderWithoutShadowLeavesBackgroundUntouched(t *testing.T) {
	src := gradient(80, 60)
	for _, cfg := range []Config{
		{BorderScale: 0.2, BlurRadius: 3, CornerRadius: 12, ShadowBlur: 10, ShadowOpacity: 0},
		{BorderScale: 0.2, BlurRadius: 3, CornerRadius: 12, ShadowBlur: 0, ShadowOpacity: 0.8},
	} {
		layers, err := NewRenderer().RenderLayers(src, cfg)
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if layers.Shadow != nil {
			t.Fatalf("expected no shadow for %+v", cfg)
		}

		border := layers.Geometry.BorderWidth
		for y := 0; y < layers.Geometry.CanvasHeight; y++ {
			for x := 0; x < layers.Geometry.CanvasWidth; x++ {
				inPhoto := x >= border && x < border+80 && y >= border && y < border+60
				if inPhoto {
					continue
				}
				if got, want := layers.Output.NRGBAAt(x, y), layers.Background.NRGBAAt(x, y); got != want {
					t.Fatalf("border pixel (%d,%d) changed: %v vs background %v", x, y, got, want)
				}
			}
		}
	}
}

func TestRenderKeepsPhotoInteriorExact(t *testing.T) {
	src := gradient(90, 70)
	cfg := Config{BorderScale: 0.15, BlurRadius: 6, CornerRadius: 15, ShadowBlur: 8, ShadowOpacity: 0.6, ShadowOffset: 4}

	layers, err := NewRenderer().RenderLayers(src, cfg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if layers.Shadow == nil {
		t.Fatal("expected shadow layer")
	}

	border := layers.Geometry.BorderWidth
	for y := 0; y < 70; y++ {
		for x := 0; x < 90; x++ {
			if layers.Mask.AlphaAt(x, y).A != 0xff {
				continue
			}
			if got, want := layers.Output.NRGBAAt(x+border, y+border), src.NRGBAAt(x, y); got != want {
				t.Fatalf("interior pixel (%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}

	for i := 3; i < len(layers.Output.Pix); i += 4 {
		if layers.Output.Pix[i] != 0xff {
			t.Fatalf("expected opaque output, alpha %d at byte %d", layers.Output.Pix[i], i)
		}
	}
}

func TestRenderShadowDarkensBorderBelowPhoto(t *testing.T) {
	src := uniform(60, 60, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	cfg := Config{BorderScale: 0.3, CornerRadius: 0, ShadowBlur: 3, ShadowOpacity: 1, ShadowOffset: 6}

	out, err := NewRenderer().Render(src, cfg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	// Border is 18px; the shadow is shifted 6px right and down.
	below := out.NRGBAAt(40, 18+60+2)
	if below.R >= 200 {
		t.Fatalf("expected shadow under the photo, got %v", below)
	}
	above := out.NRGBAAt(40, 2)
	if above.R != 255 {
		t.Fatalf("expected untouched white border above the photo, got %v", above)
	}
}

func TestRenderClipsShadowOutsideCanvas(t *testing.T) {
	src := gradient(40, 30)
	for _, offset := range []int{-500, -40, 0, 60, 500} {
		cfg := Config{BorderScale: 0.05, CornerRadius: 4, ShadowBlur: 15, ShadowOpacity: 0.9, ShadowOffset: offset}
		out, err := NewRenderer().Render(src, cfg)
		if err != nil {
			t.Fatalf("offset=%d: render: %v", offset, err)
		}
		if got := out.Rect.Size(); got != image.Pt(44, 34) {
			t.Fatalf("offset=%d: unexpected canvas %v", offset, got)
		}
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	r := NewRenderer()
	if _, err := r.Render(image.NewNRGBA(image.Rect(0, 0, 0, 10)), Config{}); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if _, err := r.Render(nil, Config{}); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage for nil source, got %v", err)
	}
	for _, src := range []image.Image{(*image.NRGBA)(nil), (*image.YCbCr)(nil), (*image.Paletted)(nil)} {
		if _, err := r.Render(src, Config{}); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("expected ErrInvalidImage for typed nil %T, got %v", src, err)
		}
	}
	if _, err := r.Render(gradient(4, 4), Config{BlurRadius: -3}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestCompositeBlendsFractionalAlpha(t *testing.T) {
	background := uniform(6, 6, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	layer := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for i := 3; i < len(layer.Pix); i += 4 {
		layer.Pix[i] = 128
	}
	shadow := &Shadow{Layer: layer, Origin: image.Pt(-1, -1)}

	src := uniform(2, 2, color.NRGBA{R: 255, A: 255})
	mask := image.NewAlpha(image.Rect(0, 0, 2, 2))
	mask.Pix = []uint8{255, 128, 0, 255}

	out, err := Composite(background, shadow, src, mask, 3)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}

	// dst = src*a + dst*(1-a), within one level of the exact value.
	half := 255 * (1 - 128.0/255)
	checks := []struct {
		x, y    int
		r, g, b float64
	}{
		{0, 0, half, half, half},
		{1, 1, half, half, half},
		{2, 2, 255, 255, 255},
		{3, 3, 255, 0, 0},
		{4, 3, 255, half, half},
		{3, 4, 255, 255, 255},
	}
	for _, c := range checks {
		px := out.NRGBAAt(c.x, c.y)
		if px.A != 255 {
			t.Fatalf("pixel (%d,%d) not opaque: %+v", c.x, c.y, px)
		}
		for _, ch := range []struct {
			got  uint8
			want float64
		}{{px.R, c.r}, {px.G, c.g}, {px.B, c.b}} {
			if math.Abs(float64(ch.got)-ch.want) > 1 {
				t.Fatalf("pixel (%d,%d)=%+v, want rgb(%.1f,%.1f,%.1f)", c.x, c.y, px, c.r, c.g, c.b)
			}
		}
	}
	if background.NRGBAAt(0, 0).R != 255 {
		t.Fatal("expected background to stay untouched")
	}
}

func TestRenderUsesInjectedBackdrop(t *testing.T) {
	calls := 0
	b := backdropFunc(func(src *image.NRGBA, blur float64, w, h int) (*image.NRGBA, error) {
		calls++
		return uniform(w, h, color.NRGBA{B: 255, A: 255}), nil
	})

	out, err := NewRenderer(WithBackdrop(b)).Render(gradient(20, 20), Config{BorderScale: 0.25})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected backdrop to be called once, got %d", calls)
	}
	if got := out.NRGBAAt(0, 0); got != (color.NRGBA{B: 255, A: 255}) {
		t.Fatalf("expected injected backdrop color, got %v", got)
	}
}

func TestRenderBatch(t *testing.T) {
	items := []BatchItem{
		{ID: "a", Image: gradient(30, 20)},
		{ID: "empty", Image: image.NewNRGBA(image.Rect(0, 0, 0, 0))},
		{ID: "b", Image: uniform(10, 40, color.NRGBA{R: 9, G: 9, B: 9, A: 255})},
		{ID: "missing"},
	}
	cfg := Config{BorderScale: 0.1, BlurRadius: 2, CornerRadius: 5, ShadowBlur: 2, ShadowOpacity: 0.3}

	results, err := NewRenderer().RenderBatch(context.Background(), items, cfg, 2)
	if err != nil {
		t.Fatalf("render batch: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, res := range results {
		if res.ID != items[i].ID {
			t.Fatalf("result %d: expected id %s, got %s", i, items[i].ID, res.ID)
		}
	}
	if !results[0].Success() || !results[2].Success() {
		t.Fatalf("expected valid items to succeed: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, ErrInvalidImage) || !errors.Is(results[3].Err, ErrInvalidImage) {
		t.Fatalf("expected invalid image errors, got %v / %v", results[1].Err, results[3].Err)
	}
	if got := results[2].Image.Rect.Size(); got != image.Pt(12, 42) {
		t.Fatalf("unexpected size for item b: %v", got)
	}
}

func TestRenderBatchRejectsInvalidConfig(t *testing.T) {
	_, err := NewRenderer().RenderBatch(context.Background(), []BatchItem{{ID: "a", Image: gradient(4, 4)}}, Config{ShadowOpacity: 2}, 1)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestRenderBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := NewRenderer().RenderBatch(ctx, []BatchItem{{ID: "a", Image: gradient(4, 4)}}, Config{}, 1)
	if err != nil {
		t.Fatalf("render batch: %v", err)
	}
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", results[0].Err)
	}
}

type backdropFunc func(src *image.NRGBA, blur float64, w, h int) (*image.NRGBA, error)

func (f backdropFunc) Backdrop(src *image.NRGBA, blur float64, w, h int) (*image.NRGBA, error) {
	return f(src, blur, w, h)
}

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}
