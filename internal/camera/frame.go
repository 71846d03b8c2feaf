package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"
)

// PixelFormat names the layout of Frame.Data.
type PixelFormat string

const (
	Mono8 PixelFormat = "MONO8"
	RGB8  PixelFormat = "RGB8"
	YUYV  PixelFormat = "YUYV"
	MJPEG PixelFormat = "MJPEG"
)

// BitsPerPixel returns the packed pixel size, or 0 for compressed formats.
func (p PixelFormat) BitsPerPixel() int {
	switch p {
	case Mono8:
		return 8
	case RGB8:
		return 24
	case YUYV:
		return 16
	default:
		return 0
	}
}

// Frame is one image delivered by a capture device.
type Frame struct {
	Fno       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Data      []byte
}

// Clone returns a deep copy, used when a frame outlives the capture buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Gray returns the luminance plane of the frame.
func (f *Frame) Gray() (*image.Gray, error) {
	switch f.Format {
	case Mono8:
		return &image.Gray{
			Pix:    f.Data,
			Stride: f.Stride,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}, nil
	case YUYV:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			for x := 0; x < f.Width; x++ {
				g.Pix[y*g.Stride+x] = row[2*x]
			}
		}
		return g, nil
	case RGB8, MJPEG:
		img, err := f.Image()
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		g := image.NewGray(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				g.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
			}
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", f.Format)
	}
}

// Image converts the frame to an image.Image.
func (f *Frame) Image() (image.Image, error) {
	switch f.Format {
	case Mono8, YUYV:
		return f.Gray()
	case RGB8:
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			for x := 0; x < f.Width; x++ {
				i := y*img.Stride + 4*x
				img.Pix[i] = row[3*x]
				img.Pix[i+1] = row[3*x+1]
				img.Pix[i+2] = row[3*x+2]
				img.Pix[i+3] = 0xff
			}
		}
		return img, nil
	case MJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode jpeg frame: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", f.Format)
	}
}

// JPEG encodes the frame at the given quality.
func (f *Frame) JPEG(quality int) ([]byte, error) {
	if f.Format == MJPEG {
		return f.Data, nil
	}
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
