package recording

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

const fmfVersion = 3

// nFramesOffset is where the frame count lives for a header whose format
// string has length n.
func nFramesOffset(n int) int64 {
	return int64(4 + 4 + n + 4 + 4 + 4 + 8)
}

// FMFWriter writes uncompressed frames in the FMF v3 layout: a fixed header
// followed by chunks of a float64 timestamp and the packed image rows.
type FMFWriter struct {
	out    io.WriteCloser
	path   string
	format string

	width, height int
	rowBytes      int
	nFrames       uint64
	headerDone    bool
	closed        bool
	chunk         []byte
}

var _ Writer = (*FMFWriter)(nil)

// NewFMFWriter writes to out. The header is emitted with the first frame.
func NewFMFWriter(out io.WriteCloser, path string) *FMFWriter {
	return &FMFWriter{out: out, path: path}
}

func (w *FMFWriter) Path() string { return w.path }

func fmfFormatName(p camera.PixelFormat) (string, error) {
	switch p {
	case camera.Mono8:
		return "MONO8", nil
	case camera.RGB8:
		return "RGB8", nil
	case camera.YUYV:
		return "YUV422", nil
	default:
		return "", fmt.Errorf("fmf: unsupported pixel format %q", p)
	}
}

func (w *FMFWriter) writeHeader(f *camera.Frame) error {
	name, err := fmfFormatName(f.Format)
	if err != nil {
		return err
	}
	w.format = name
	w.width, w.height = f.Width, f.Height
	w.rowBytes = f.Width * f.Format.BitsPerPixel() / 8

	hdr := make([]byte, 0, 64)
	hdr = binary.LittleEndian.AppendUint32(hdr, fmfVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Format.BitsPerPixel()))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Height))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Width))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(8+w.rowBytes*f.Height))
	hdr = binary.LittleEndian.AppendUint64(hdr, 0)

	if _, err := w.out.Write(hdr); err != nil {
		return fmt.Errorf("fmf: write header: %w", err)
	}
	w.chunk = make([]byte, 8+w.rowBytes*f.Height)
	w.headerDone = true
	return nil
}

// Write appends one frame. Frame size must not change during a recording.
func (w *FMFWriter) Write(f *camera.Frame, _ []detect.Point) error {
	if w.closed {
		return ErrClosed
	}
	if !w.headerDone {
		if err := w.writeHeader(f); err != nil {
			return err
		}
	}
	if f.Width != w.width || f.Height != w.height {
		return fmt.Errorf("fmf: frame size changed from %dx%d to %dx%d", w.width, w.height, f.Width, f.Height)
	}

	ts := float64(f.Timestamp.UnixNano()) / 1e9
	binary.LittleEndian.PutUint64(w.chunk, math.Float64bits(ts))
	for y := 0; y < f.Height; y++ {
		copy(w.chunk[8+y*w.rowBytes:8+(y+1)*w.rowBytes], f.Data[y*f.Stride:])
	}
	if _, err := w.out.Write(w.chunk); err != nil {
		return fmt.Errorf("fmf: write frame: %w", err)
	}
	w.nFrames++
	return nil
}

// Close patches the frame count when the output is seekable.
func (w *FMFWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if ws, ok := w.out.(io.WriteSeeker); ok && w.headerDone {
		if _, err := ws.Seek(nFramesOffset(len(w.format)), io.SeekStart); err != nil {
			w.out.Close()
			return fmt.Errorf("fmf: seek: %w", err)
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], w.nFrames)
		if _, err := ws.Write(buf[:]); err != nil {
			w.out.Close()
			return fmt.Errorf("fmf: write frame count: %w", err)
		}
	}
	return w.out.Close()
}
