// Package codec owns the decoded frame storage for an RDP session: pixel
// format tags, the single-owner frame buffer, and the raw bitmap
// conversions that fill it.
package codec

import "errors"

var (
	ErrUnknownPixelFormat = errors.New("codec: unknown pixel format")
	ErrInvalidDimensions  = errors.New("codec: negative frame dimensions")
	ErrUnsupportedDepth   = errors.New("codec: unsupported bitmap color depth")
	ErrShortBitmapData    = errors.New("codec: bitmap data shorter than dimensions require")
)

// PixelFormat tags the byte layout of a decoded frame.
type PixelFormat uint8

const (
	PixelFormatRGBA32 PixelFormat = iota + 1
	PixelFormatBGRA32
	PixelFormatBGR24
	PixelFormatRGB565
)

// BytesPerPixel returns the storage size of one pixel, or 0 for an unknown
// format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return 4
	case PixelFormatBGR24:
		return 3
	case PixelFormatRGB565:
		return 2
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatBGR24:
		return "BGR24"
	case PixelFormatRGB565:
		return "RGB565"
	}
	return "unknown"
}

// FrameBuffer owns the pixels of one decoded display frame. Frame buffers
// are produced at high frequency on the decoding path and handed to
// consumer code, so ownership is strict: one holder, one Destroy, and the
// Data view dies with the buffer. Dimensions are fixed at creation.
type FrameBuffer struct {
	format PixelFormat
	width  int
	height int
	data   []byte
}

// NewFrameBuffer allocates a zeroed buffer of exactly
// width*height*BytesPerPixel bytes. Zero width or height yields a valid
// empty buffer. Dimension validation beyond sign is the caller's job.
func NewFrameBuffer(format PixelFormat, width, height int) (*FrameBuffer, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, ErrUnknownPixelFormat
	}
	if width < 0 || height < 0 {
		return nil, ErrInvalidDimensions
	}

	return &FrameBuffer{
		format: format,
		width:  width,
		height: height,
		data:   make([]byte, width*height*bpp),
	}, nil
}

// Data returns a read-only view over the pixel bytes. The view is valid
// only while the buffer is alive and is nil after Destroy.
func (b *FrameBuffer) Data() []byte { return b.data }

func (b *FrameBuffer) Width() int          { return b.width }
func (b *FrameBuffer) Height() int         { return b.height }
func (b *FrameBuffer) Format() PixelFormat { return b.format }

// Stride returns the byte length of one row.
func (b *FrameBuffer) Stride() int { return b.width * b.format.BytesPerPixel() }

// Destroy zeroizes and releases the pixel storage. Exactly-once: callers
// must not touch the buffer, or any Data view taken from it, afterwards.
func (b *FrameBuffer) Destroy() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
}
