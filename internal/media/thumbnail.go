package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

// Thumbnailer grabs the middle frame of a video with ffmpeg and stores it
// as a resized JPEG.
type Thumbnailer struct {
	FFmpeg  string
	FFprobe string
	Width   int
	Run     Runner
}

func NewThumbnailer(ffmpeg, ffprobe string, width int) *Thumbnailer {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Thumbnailer{FFmpeg: ffmpeg, FFprobe: ffprobe, Width: width, Run: execRunner}
}

// Duration returns the media length in seconds.
func (t *Thumbnailer) Duration(ctx context.Context, path string) (float64, error) {
	out, err := t.Run(ctx, t.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

// Extract writes a JPEG thumbnail of src to dst.
func (t *Thumbnailer) Extract(ctx context.Context, src, dst string) error {
	dur, err := t.Duration(ctx, src)
	if err != nil {
		return err
	}
	at := strconv.FormatFloat(max(dur/2, 0), 'f', 3, 64)
	frame, err := t.Run(ctx, t.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-ss", at,
		"-i", src,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-")
	if err != nil {
		return err
	}
	return t.encode(frame, dst)
}

func (t *Thumbnailer) encode(frame []byte, dst string) error {
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if t.Width > 0 && img.Bounds().Dx() > t.Width {
		img = imaging.Resize(img, t.Width, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}
