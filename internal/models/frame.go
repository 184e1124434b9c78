package models

import (
	"image"
	"time"
)

// Frame is a decoded video frame moving through a session pipeline.
// It holds raw (unredacted) pixels and must never reach storage or
// the preview path directly.
type Frame struct {
	Seq        uint64
	Image      image.Image
	Width      int
	Height     int
	ReceivedAt time.Time
}

// Region is a detected face bounding box in normalized coordinates.
// X, Y, W and H are fractions of the frame dimensions in [0, 1].
type Region struct {
	X          float64
	Y          float64
	W          float64
	H          float64
	Confidence float64
}

// Clamp restricts the region to the unit square. Width and height
// shrink so the region never extends past an edge.
func (r Region) Clamp() Region {
	if r.X < 0 {
		r.W += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.H += r.Y
		r.Y = 0
	}
	if r.X > 1 {
		r.X = 1
	}
	if r.Y > 1 {
		r.Y = 1
	}
	if r.X+r.W > 1 {
		r.W = 1 - r.X
	}
	if r.Y+r.H > 1 {
		r.H = 1 - r.Y
	}
	if r.W < 0 {
		r.W = 0
	}
	if r.H < 0 {
		r.H = 0
	}
	return r
}

// ToRect converts the region to pixel space for a frame of the given
// dimensions, clamped to the frame bounds. The result may be empty.
func (r Region) ToRect(width, height int) image.Rectangle {
	rect := image.Rect(
		int(r.X*float64(width)),
		int(r.Y*float64(height)),
		int((r.X+r.W)*float64(width)),
		int((r.Y+r.H)*float64(height)),
	)
	return rect.Intersect(image.Rect(0, 0, width, height))
}

// DetectionResult is the outcome of one detector pass over one frame.
// Failed marks a detector error; the frame must then be treated as
// entirely sensitive.
type DetectionResult struct {
	Seq     uint64
	Regions []Region
	Failed  bool
}

// RedactedFrame is an encoded frame whose sensitive regions have been
// obscured. It is the only frame type the recorder and the preview
// broadcaster accept.
type RedactedFrame struct {
	Seq        uint64
	JPEG       []byte
	Width      int
	Height     int
	Regions    int
	FullFrame  bool
	CapturedAt time.Time
}
