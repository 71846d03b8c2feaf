package recording

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

const (
	ufmfMagic   = "ufmf"
	ufmfVersion = 4

	chunkKeyframe = 0
	chunkFrame    = 1
	chunkIndex    = 2

	// DefaultRoiSize is the edge length of the square saved around each point.
	DefaultRoiSize = 32
	// DefaultKeyframeInterval is how often a full background frame is stored.
	DefaultKeyframeInterval = 10 * time.Second
)

type writeSeekCloser interface {
	io.WriteSeeker
	io.Closer
}

// UFMFWriter stores periodic full keyframes plus small regions of interest
// around detected points. An index of chunk offsets is appended on Close.
type UFMFWriter struct {
	out  writeSeekCloser
	bw   *bufio.Writer
	path string

	roiSize          int
	keyframeInterval time.Duration
	lastKeyframe     time.Time

	offset    int64
	keyframes []int64
	frames    []ufmfIndexEntry
	width     int
	height    int
	started   bool
	closed    bool
}

type ufmfIndexEntry struct {
	offset int64
	ts     float64
}

var _ Writer = (*UFMFWriter)(nil)

// NewUFMFWriter writes the file header to out.
func NewUFMFWriter(out writeSeekCloser, path string) (*UFMFWriter, error) {
	w := &UFMFWriter{
		out:              out,
		bw:               bufio.NewWriter(out),
		path:             path,
		roiSize:          DefaultRoiSize,
		keyframeInterval: DefaultKeyframeInterval,
	}
	return w, nil
}

func (w *UFMFWriter) Path() string { return w.path }

func (w *UFMFWriter) put(p []byte) error {
	n, err := w.bw.Write(p)
	w.offset += int64(n)
	return err
}

func (w *UFMFWriter) writeHeader(f *camera.Frame) error {
	hdr := []byte(ufmfMagic)
	hdr = binary.LittleEndian.AppendUint32(hdr, ufmfVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, 0) // index offset, patched on Close
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(f.Width))
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(f.Height))
	coding := "MONO8"
	hdr = append(hdr, byte(len(coding)))
	hdr = append(hdr, coding...)
	w.width, w.height = f.Width, f.Height
	w.started = true
	return w.put(hdr)
}

// Write stores a keyframe when due and the regions around points.
func (w *UFMFWriter) Write(f *camera.Frame, points []detect.Point) error {
	if w.closed {
		return ErrClosed
	}
	gray, err := f.Gray()
	if err != nil {
		return fmt.Errorf("ufmf: %w", err)
	}
	if !w.started {
		if err := w.writeHeader(f); err != nil {
			return fmt.Errorf("ufmf: write header: %w", err)
		}
	}
	ts := float64(f.Timestamp.UnixNano()) / 1e9

	if w.lastKeyframe.IsZero() || f.Timestamp.Sub(w.lastKeyframe) >= w.keyframeInterval {
		if err := w.writeKeyframe(gray, ts); err != nil {
			return fmt.Errorf("ufmf: write keyframe: %w", err)
		}
		w.lastKeyframe = f.Timestamp
	}

	w.frames = append(w.frames, ufmfIndexEntry{offset: w.offset, ts: ts})
	buf := []byte{chunkFrame}
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ts))
	buf = binary.LittleEndian.AppendUint64(buf, f.Fno)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(points)))
	for _, pt := range points {
		r := w.roi(pt)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Min.X))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Min.Y))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Dx()))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Dy()))
		for y := r.Min.Y; y < r.Max.Y; y++ {
			start := gray.PixOffset(r.Min.X, y)
			buf = append(buf, gray.Pix[start:start+r.Dx()]...)
		}
	}
	if err := w.put(buf); err != nil {
		return fmt.Errorf("ufmf: write frame: %w", err)
	}
	return nil
}

func (w *UFMFWriter) roi(pt detect.Point) image.Rectangle {
	half := w.roiSize / 2
	x0, y0 := int(pt.X)-half, int(pt.Y)-half
	return image.Rect(x0, y0, x0+w.roiSize, y0+w.roiSize).Intersect(image.Rect(0, 0, w.width, w.height))
}

func (w *UFMFWriter) writeKeyframe(gray *image.Gray, ts float64) error {
	w.keyframes = append(w.keyframes, w.offset)
	b := gray.Bounds()
	buf := []byte{chunkKeyframe}
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ts))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(b.Dx()))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(b.Dy()))
	if err := w.put(buf); err != nil {
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := gray.PixOffset(b.Min.X, y)
		if err := w.put(gray.Pix[start : start+b.Dx()]); err != nil {
			return err
		}
	}
	return nil
}

// Close appends the index and records its offset in the header.
func (w *UFMFWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.started {
		return w.out.Close()
	}

	indexOffset := w.offset
	buf := []byte{chunkIndex}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.keyframes)))
	for _, off := range w.keyframes {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(off))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.frames)))
	for _, e := range w.frames {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.offset))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e.ts))
	}

	err := w.put(buf)
	if err == nil {
		err = w.bw.Flush()
	}
	if err == nil {
		_, err = w.out.Seek(int64(len(ufmfMagic)+4), io.SeekStart)
	}
	if err == nil {
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(indexOffset))
		_, err = w.out.Write(off[:])
	}
	if cerr := w.out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("ufmf: close: %w", err)
	}
	return nil
}
