package codec

// FlipVertical flips bitmap data vertically in place. RDP servers send
// bitmaps bottom-up; this reorders them top-down.
func FlipVertical(data []byte, width, height, bytesPerPixel int) {
	if height <= 1 {
		return
	}

	rowDelta := width * bytesPerPixel
	if rowDelta <= 0 || len(data) < height*rowDelta {
		return
	}

	tmp := make([]byte, rowDelta)
	half := height / 2

	for i := 0; i < half; i++ {
		topLine := i * rowDelta
		bottomLine := (height - 1 - i) * rowDelta

		copy(tmp, data[topLine:topLine+rowDelta])
		copy(data[topLine:topLine+rowDelta], data[bottomLine:bottomLine+rowDelta])
		copy(data[bottomLine:bottomLine+rowDelta], tmp)
	}
}

// RGB565ToRGBA converts 16-bit RGB565 pixels to 32-bit RGBA.
func RGB565ToRGBA(src []byte, dst []byte) {
	srcIdx := 0
	dstIdx := 0

	for srcIdx+1 < len(src) && dstIdx+3 < len(dst) {
		pel := uint16(src[srcIdx]) | (uint16(src[srcIdx+1]) << 8)

		r := (pel & 0xF800) >> 11
		g := (pel & 0x07E0) >> 5
		b := pel & 0x001F

		// Expand 5/6/5 to 8/8/8
		r = (r << 3) | (r >> 2)
		g = (g << 2) | (g >> 4)
		b = (b << 3) | (b >> 2)

		dst[dstIdx] = byte(r)
		dst[dstIdx+1] = byte(g)
		dst[dstIdx+2] = byte(b)
		dst[dstIdx+3] = 255

		srcIdx += 2
		dstIdx += 4
	}
}

// BGR24ToRGBA converts 24-bit BGR pixels to 32-bit RGBA.
func BGR24ToRGBA(src []byte, dst []byte) {
	srcIdx := 0
	dstIdx := 0

	for srcIdx+2 < len(src) && dstIdx+3 < len(dst) {
		dst[dstIdx] = src[srcIdx+2]   // R
		dst[dstIdx+1] = src[srcIdx+1] // G
		dst[dstIdx+2] = src[srcIdx]   // B
		dst[dstIdx+3] = 255

		srcIdx += 3
		dstIdx += 4
	}
}

// BGRA32ToRGBA converts 32-bit BGRA pixels to 32-bit RGBA.
func BGRA32ToRGBA(src []byte, dst []byte) {
	for i := 0; i+3 < len(src) && i+3 < len(dst); i += 4 {
		dst[i] = src[i+2]   // R
		dst[i+1] = src[i+1] // G
		dst[i+2] = src[i]   // B
		dst[i+3] = 255
	}
}

// DecodeBitmap converts a raw bottom-up server bitmap at 16, 24, or 32 bpp
// into a freshly allocated RGBA32 frame buffer. The caller owns the
// returned buffer and must Destroy it.
func DecodeBitmap(src []byte, width, height, bpp int) (*FrameBuffer, error) {
	var srcFormat PixelFormat
	switch bpp {
	case 16:
		srcFormat = PixelFormatRGB565
	case 24:
		srcFormat = PixelFormatBGR24
	case 32:
		srcFormat = PixelFormatBGRA32
	default:
		return nil, ErrUnsupportedDepth
	}

	bytesPerPixel := srcFormat.BytesPerPixel()
	rawSize := width * height * bytesPerPixel
	if width < 0 || height < 0 {
		return nil, ErrInvalidDimensions
	}
	if len(src) < rawSize {
		return nil, ErrShortBitmapData
	}

	fb, err := NewFrameBuffer(PixelFormatRGBA32, width, height)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, rawSize)
	copy(raw, src)
	FlipVertical(raw, width, height, bytesPerPixel)

	switch srcFormat {
	case PixelFormatRGB565:
		RGB565ToRGBA(raw, fb.data)
	case PixelFormatBGR24:
		BGR24ToRGBA(raw, fb.data)
	case PixelFormatBGRA32:
		BGRA32ToRGBA(raw, fb.data)
	}

	return fb, nil
}
