package youtube

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Registry maps destination ids to credentials files in a directory.
// A destination id is the file name without its .json suffix.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry { return &Registry{dir: dir} }

func (r *Registry) Dir() string { return r.dir }

// Destinations lists the channels currently present. The directory is
// read on every call so dropped-in files are picked up without a restart.
func (r *Registry) Destinations() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	sort.Strings(out)
	return out
}

// ErrUnknownChannel is returned for a destination with no credentials file.
var ErrUnknownChannel = errors.New("unknown channel")

// Credentials loads the destination's credentials.
func (r *Registry) Credentials(dest string) (Credentials, error) {
	if dest == "" || strings.ContainsAny(dest, `/\`) || dest != filepath.Base(dest) {
		return Credentials{}, fmt.Errorf("%q: %w", dest, ErrUnknownChannel)
	}
	for _, ext := range []string{".json", ".JSON"} {
		c, err := LoadCredentials(filepath.Join(r.dir, dest+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("channel %s: %w", dest, err)
		}
		return c, nil
	}
	return Credentials{}, fmt.Errorf("%q: %w", dest, ErrUnknownChannel)
}
