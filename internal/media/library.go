// Package media stores submitted media on disk and extracts thumbnails.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "uploadbot/pkg/logx"
)

// Library keeps one file per fingerprint under Dir.
type Library struct {
	dir   string
	thumb *Thumbnailer
	log   logx.Logger
}

// NewLibrary creates dir if needed. thumb may be nil to skip thumbnails.
func NewLibrary(dir string, thumb *Thumbnailer, log logx.Logger) (*Library, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Library{dir: dir, thumb: thumb, log: log.With(logx.String("comp", "media"))}, nil
}

func (l *Library) Dir() string { return l.dir }

// Save writes data as <fingerprint>.mp4 and, when enabled, a JPEG
// thumbnail next to it. Thumbnail failures are logged and yield an empty
// thumbRef.
func (l *Library) Save(ctx context.Context, fingerprint string, data []byte) (mediaRef, thumbRef string, err error) {
	if fingerprint == "" || strings.ContainsAny(fingerprint, `/\.`) {
		return "", "", fmt.Errorf("invalid fingerprint %q", fingerprint)
	}
	mediaRef = filepath.Join(l.dir, fingerprint+".mp4")
	if err := writeAtomic(mediaRef, data); err != nil {
		return "", "", fmt.Errorf("save media: %w", err)
	}
	if l.thumb == nil {
		return mediaRef, "", nil
	}
	thumbRef = filepath.Join(l.dir, fingerprint+".jpg")
	if err := l.thumb.Extract(ctx, mediaRef, thumbRef); err != nil {
		l.log.Warn("thumbnail extraction failed", logx.String("media", mediaRef), logx.Err(err))
		return mediaRef, "", nil
	}
	return mediaRef, thumbRef, nil
}

// Open returns a reader for a stored reference.
func (l *Library) Open(ref string) (*os.File, error) {
	return os.Open(ref)
}

// Remove deletes stored files, ignoring ones already gone.
func (l *Library) Remove(refs ...string) error {
	var errs []error
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
