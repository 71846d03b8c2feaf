package recording

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

// Writer persists frames. Any error returned by Write or Close means the
// output is unusable.
type Writer interface {
	Write(f *camera.Frame, points []detect.Point) error
	Close() error
	Path() string
}

// Format identifies a recording container.
type Format string

const (
	FormatFMF  Format = "fmf"
	FormatMKV  Format = "mkv"
	FormatUFMF Format = "ufmf"
)

// Factory creates writers. It is an interface so tests can substitute
// in-memory writers.
type Factory interface {
	NewFMF(path string) (Writer, error)
	NewMKV(path string, cfg MkvConfig) (Writer, error)
	NewUFMF(path string) (Writer, error)
}

// FileFactory creates writers under Dir.
type FileFactory struct {
	Dir    string
	Ffmpeg string
}

var _ Factory = (*FileFactory)(nil)

// Resolve joins relative paths onto the factory directory.
func (f *FileFactory) Resolve(path string) string {
	if path == Stdout || filepath.IsAbs(path) || f.Dir == "" {
		return path
	}
	return filepath.Join(f.Dir, path)
}

func (f *FileFactory) NewFMF(path string) (Writer, error) {
	path = f.Resolve(path)
	var out io.WriteCloser
	if path == Stdout {
		out = nopCloser{os.Stdout}
	} else {
		fd, err := create(path)
		if err != nil {
			return nil, err
		}
		out = fd
	}
	return NewFMFWriter(out, path), nil
}

func (f *FileFactory) NewMKV(path string, cfg MkvConfig) (Writer, error) {
	if path == Stdout {
		return nil, fmt.Errorf("mkv: %w", ErrStdoutNotSupported)
	}
	if cfg.Ffmpeg == "" {
		cfg.Ffmpeg = f.Ffmpeg
	}
	path = f.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return NewMKVWriter(path, cfg), nil
}

func (f *FileFactory) NewUFMF(path string) (Writer, error) {
	if path == Stdout {
		return nil, fmt.Errorf("ufmf: %w", ErrStdoutNotSupported)
	}
	path = f.Resolve(path)
	fd, err := create(path)
	if err != nil {
		return nil, err
	}
	return NewUFMFWriter(fd, path)
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	fd, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return fd, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
