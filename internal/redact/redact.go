package redact

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"video-anonymizer/internal/models"
)

// Method selects how sensitive regions are obscured
type Method string

// Supported redaction methods
const (
	MethodGaussian   Method = "gaussian"
	MethodPixelation Method = "pixelation"
)

// ParseMethod validates a configured method name
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodGaussian, MethodPixelation:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown redaction method %q", s)
}

// Engine obscures detected regions of a frame. A frame with no usable
// regions is obscured in full: the engine never passes pixels through
// untouched, so detector failures stay fail-closed.
type Engine struct {
	method Method
}

// NewEngine creates an engine applying the given method
func NewEngine(method Method) *Engine {
	return &Engine{method: method}
}

// Method returns the configured redaction method
func (e *Engine) Method() Method { return e.method }

// Redact obscures each region of the frame and returns the redacted
// copy. The input image is not modified. Zero regions, or regions that
// collapse to nothing after clamping, obscure the entire frame.
func (e *Engine) Redact(img image.Image, regions []models.Region) *image.NRGBA {
	out := imaging.Clone(img)
	bounds := out.Bounds()

	applied := 0
	for _, r := range regions {
		rect := r.ToRect(bounds.Dx(), bounds.Dy())
		if rect.Empty() {
			continue
		}
		out = e.apply(out, rect)
		applied++
	}
	if applied == 0 {
		out = e.apply(out, bounds)
	}
	return out
}

func (e *Engine) apply(img *image.NRGBA, rect image.Rectangle) *image.NRGBA {
	region := imaging.Crop(img, rect)

	var obscured *image.NRGBA
	switch e.method {
	case MethodPixelation:
		obscured = pixelate(region)
	default:
		obscured = blur(region)
	}
	return imaging.Paste(img, obscured, rect.Min)
}

// blur strength scales with the region so large faces come out as
// unrecognizable as small ones. Sigma follows OpenCV's auto-sigma rule
// for the derived kernel size.
func blur(region *image.NRGBA) *image.NRGBA {
	b := region.Bounds()
	k := oddize(max(3, min(b.Dx(), b.Dy())/3))
	sigma := 0.3*(float64(k-1)*0.5-1) + 0.8
	return imaging.Blur(region, sigma)
}

// pixelate downsamples the region into coarse blocks and scales it back
// up with nearest-neighbor so block edges stay hard
func pixelate(region *image.NRGBA) *image.NRGBA {
	b := region.Bounds()
	block := max(3, min(b.Dx(), b.Dy())/15)
	down := imaging.Resize(region, max(1, b.Dx()/block), max(1, b.Dy()/block), imaging.Linear)
	return imaging.Resize(down, b.Dx(), b.Dy(), imaging.NearestNeighbor)
}

func oddize(k int) int {
	if k%2 == 0 {
		return k + 1
	}
	return k
}
