package recorder

import (
	"fmt"

	"github.com/icza/mjpeg"
)

// Muxer appends encoded frames to a container file. The production
// implementation is an MJPEG AVI writer; tests inject failing ones.
type Muxer interface {
	AddFrame(jpegData []byte) error
	Close() error
}

// MuxerFactory creates a muxer writing to path
type MuxerFactory func(path string, width, height, fps int) (Muxer, error)

// NewAVIMuxer creates an MJPEG AVI file at path
func NewAVIMuxer(path string, width, height, fps int) (Muxer, error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, fmt.Errorf("create avi %s: %w", path, err)
	}
	return aw, nil
}
