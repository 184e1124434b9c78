package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"video-anonymizer/internal/models"
)

// Decode failure causes
var (
	ErrEmptyPayload    = errors.New("empty frame payload")
	ErrPayloadTooLarge = errors.New("frame payload exceeds size limit")
	ErrNotJPEG         = errors.New("payload is not a JPEG image")
)

// DecodeError reports a malformed or unsupported frame payload. It is
// per-frame and never fatal: the caller drops the frame and continues.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Adapter converts between wire payloads and in-memory frames. Inbound
// payloads are JPEG; outbound frames are re-encoded as JPEG at a fixed
// quality so encoding stays deterministic for a given frame.
type Adapter struct {
	quality    int
	maxPayload int
}

// NewAdapter creates an adapter encoding at the given JPEG quality and
// rejecting payloads larger than maxPayload bytes
func NewAdapter(quality, maxPayload int) *Adapter {
	return &Adapter{quality: quality, maxPayload: maxPayload}
}

// Decode parses a JPEG payload into a frame. Sequence numbers are
// assigned by the caller after a successful decode.
func (a *Adapter) Decode(payload []byte) (*models.Frame, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Size: 0, Err: ErrEmptyPayload}
	}
	if a.maxPayload > 0 && len(payload) > a.maxPayload {
		return nil, &DecodeError{Size: len(payload), Err: ErrPayloadTooLarge}
	}
	if len(payload) < 2 || payload[0] != 0xFF || payload[1] != 0xD8 {
		return nil, &DecodeError{Size: len(payload), Err: ErrNotJPEG}
	}

	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Size: len(payload), Err: err}
	}

	bounds := img.Bounds()
	return &models.Frame{
		Image:      img,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		ReceivedAt: time.Now(),
	}, nil
}

var encodeBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode serializes an image to JPEG at the adapter's quality
func (a *Adapter) Encode(img image.Image) ([]byte, error) {
	buf := encodeBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodeBufPool.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
