package recording

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

// MkvConfig selects the encoder used for MKV recordings.
type MkvConfig struct {
	Codec        string    `json:"codec" yaml:"codec"`
	BitrateKbps  int       `json:"bitrate_kbps" yaml:"bitrate_kbps"`
	MaxFramerate FrameRate `json:"max_framerate" yaml:"max_framerate"`
	Ffmpeg       string    `json:"-" yaml:"ffmpeg,omitempty"`
}

// DefaultMkvConfig returns the encoder settings used until an operator
// changes them.
func DefaultMkvConfig() MkvConfig {
	return MkvConfig{Codec: "libx264", BitrateKbps: 4000, MaxFramerate: 0}
}

// MKVWriter encodes frames by piping them into an ffmpeg process.
type MKVWriter struct {
	path string
	cfg  MkvConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	width, height int
	format        camera.PixelFormat
	closed        bool
}

var _ Writer = (*MKVWriter)(nil)

// NewMKVWriter returns a writer that starts ffmpeg on the first frame.
func NewMKVWriter(path string, cfg MkvConfig) *MKVWriter {
	if cfg.Ffmpeg == "" {
		cfg.Ffmpeg = "ffmpeg"
	}
	if cfg.Codec == "" {
		cfg.Codec = DefaultMkvConfig().Codec
	}
	return &MKVWriter{path: path, cfg: cfg}
}

func (w *MKVWriter) Path() string { return w.path }

func (w *MKVWriter) inputArgs(f *camera.Frame) ([]string, error) {
	size := fmt.Sprintf("%dx%d", f.Width, f.Height)
	switch f.Format {
	case camera.Mono8:
		return []string{"-f", "rawvideo", "-pix_fmt", "gray", "-s", size}, nil
	case camera.RGB8:
		return []string{"-f", "rawvideo", "-pix_fmt", "rgb24", "-s", size}, nil
	case camera.YUYV:
		return []string{"-f", "rawvideo", "-pix_fmt", "yuyv422", "-s", size}, nil
	case camera.MJPEG:
		return []string{"-f", "mjpeg"}, nil
	default:
		return nil, fmt.Errorf("mkv: unsupported pixel format %q", f.Format)
	}
}

func (w *MKVWriter) start(f *camera.Frame) error {
	in, err := w.inputArgs(f)
	if err != nil {
		return err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-use_wallclock_as_timestamps", "1"}
	args = append(args, in...)
	args = append(args, "-i", "-", "-c:v", w.cfg.Codec)
	if w.cfg.BitrateKbps > 0 {
		args = append(args, "-b:v", strconv.Itoa(w.cfg.BitrateKbps)+"k")
	}
	args = append(args, "-f", "matroska", "-y", w.path)

	w.cmd = exec.Command(w.cfg.Ffmpeg, args...)
	w.stderr = &tailBuffer{max: 4096}
	w.cmd.Stderr = w.stderr
	w.stdin, err = w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mkv: stdin pipe: %w", err)
	}
	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("mkv: start %s: %w", w.cfg.Ffmpeg, err)
	}

	w.width, w.height, w.format = f.Width, f.Height, f.Format
	log.Info().Str("component", "recording").Str("path", w.path).Str("codec", w.cfg.Codec).Msg("mkv encoder started")
	return nil
}

// Write sends one frame to the encoder.
func (w *MKVWriter) Write(f *camera.Frame, _ []detect.Point) error {
	if w.closed {
		return ErrClosed
	}
	if w.cmd == nil {
		if err := w.start(f); err != nil {
			return err
		}
	}
	if f.Width != w.width || f.Height != w.height || f.Format != w.format {
		return fmt.Errorf("mkv: frame geometry changed during recording")
	}

	data := f.Data
	if f.Format != camera.MJPEG {
		rowBytes := f.Width * f.Format.BitsPerPixel() / 8
		if f.Stride != rowBytes {
			data = make([]byte, 0, rowBytes*f.Height)
			for y := 0; y < f.Height; y++ {
				data = append(data, f.Data[y*f.Stride:y*f.Stride+rowBytes]...)
			}
		}
	}
	if _, err := w.stdin.Write(data); err != nil {
		return fmt.Errorf("mkv: encoder write: %w (%s)", err, w.stderr.String())
	}
	return nil
}

// Close flushes the encoder and waits for it to finish the file.
func (w *MKVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cmd == nil {
		return nil
	}

	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("mkv: encoder exited: %w (%s)", err, w.stderr.String())
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
