// Package ffmpeg shells out to the ffmpeg toolchain for container work
// the in-process muxer cannot do natively.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CheckInstallation verifies ffmpeg is installed and on PATH
func CheckInstallation() error {
	cmd := exec.Command("ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

// Remuxer rewraps finished recordings into a playback-friendly container
type Remuxer struct {
	logger *zap.Logger
}

// NewRemuxer creates a remuxer that logs through the given logger
func NewRemuxer(logger *zap.Logger) *Remuxer {
	return &Remuxer{logger: logger}
}

// Remux rewraps src into dst without re-encoding the video stream. The
// source file is left in place; callers decide what happens to it.
func (r *Remuxer) Remux(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-loglevel", "error",
		"-i", src,
		"-c:v", "copy",
		"-an",
		dst,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("remux %s: %w: %s", filepath.Base(src), err, strings.TrimSpace(string(output)))
	}

	if secs, probeErr := Duration(ctx, dst); probeErr == nil {
		r.logger.Info("recording remuxed",
			zap.String("src", src),
			zap.String("dst", dst),
			zap.Float64("duration_s", secs))
	} else {
		r.logger.Info("recording remuxed",
			zap.String("src", src),
			zap.String("dst", dst))
	}
	return nil
}

// Duration reads the container duration in seconds via ffprobe
func Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	raw := strings.TrimSpace(string(output))
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return secs, nil
}
