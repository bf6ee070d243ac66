package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

const defaultJPEGQuality = 75

// EncodeJPEG compresses a frame at the given quality (1..100; 0 picks the default).
func EncodeJPEG(f Frame, quality int) ([]byte, error) {
	if f.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale resamples a frame to a size x size square (nearest neighbor).
// The classifier channel wants a fixed small input regardless of sink resolution.
func Downscale(f Frame, size int) Frame {
	if f.Image == nil || size <= 0 {
		return f
	}
	src := f.Image
	sb := src.Bounds()
	if sb.Dx() == size && sb.Dy() == size {
		return f
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		sy := sb.Min.Y + y*sb.Dy()/size
		for x := 0; x < size; x++ {
			sx := sb.Min.X + x*sb.Dx()/size
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return Frame{Image: dst, Width: size, Height: size}
}
