package detect

import (
	"context"
	"fmt"
	"math"
	"os"

	pigo "github.com/esimov/pigo/core"

	"video-anonymizer/internal/models"
)

// Detector finds face regions in a decoded frame. Implementations must
// be safe for concurrent use: a single instance is shared read-only by
// every pool worker.
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.Region, error)
}

// Cascade scan parameters. ShiftFactor trades scan density for speed,
// ScaleFactor is the size step between scan passes, clusterIoU merges
// overlapping raw detections of the same face.
const (
	shiftFactor = 0.1
	scaleFactor = 1.1
	clusterIoU  = 0.2
	minFaceSize = 20

	// pigo cluster quality scores rarely exceed ~50 on real footage;
	// dividing by this ceiling maps them onto [0, 1].
	qualityCeiling = 50.0
)

// CascadeDetector runs the pigo face classifier. The cascade file is
// read and unpacked once at construction; the unpacked classifier is
// immutable afterwards.
type CascadeDetector struct {
	classifier *pigo.Pigo
	threshold  float64
}

// NewCascadeDetector loads a binary cascade from disk. The threshold
// filters detections by normalized confidence and must lie in [0, 1].
func NewCascadeDetector(cascadePath string, threshold float64) (*CascadeDetector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("detection threshold %f outside [0, 1]", threshold)
	}
	raw, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("read cascade %s: %w", cascadePath, err)
	}
	classifier, err := pigo.NewPigo().Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade %s: %w", cascadePath, err)
	}
	return &CascadeDetector{classifier: classifier, threshold: threshold}, nil
}

// Detect scans the frame and returns regions above the confidence
// threshold, normalized to the frame dimensions
func (d *CascadeDetector) Detect(ctx context.Context, frame *models.Frame) ([]models.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("frame %d has no pixels", frame.Seq)
	}

	gray := pigo.RgbToGrayscale(frame.Image)
	params := pigo.CascadeParams{
		MinSize:     minFaceSize,
		MaxSize:     max(frame.Width, frame.Height),
		ShiftFactor: shiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray,
			Rows:   frame.Height,
			Cols:   frame.Width,
			Dim:    frame.Width,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, clusterIoU)
	return regionsFromDetections(dets, frame.Width, frame.Height, d.threshold), nil
}

// regionsFromDetections converts pigo's center+scale squares into
// normalized clamped regions and drops those below the threshold
func regionsFromDetections(dets []pigo.Detection, width, height int, threshold float64) []models.Region {
	regions := make([]models.Region, 0, len(dets))
	for _, det := range dets {
		conf := math.Min(1, float64(det.Q)/qualityCeiling)
		if conf < threshold {
			continue
		}
		half := float64(det.Scale) / 2
		r := models.Region{
			X:          (float64(det.Col) - half) / float64(width),
			Y:          (float64(det.Row) - half) / float64(height),
			W:          float64(det.Scale) / float64(width),
			H:          float64(det.Scale) / float64(height),
			Confidence: conf,
		}.Clamp()
		if r.W == 0 || r.H == 0 {
			continue
		}
		regions = append(regions, r)
	}
	return regions
}
