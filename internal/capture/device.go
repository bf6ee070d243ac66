package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Frame is one decoded camera frame.
type Frame struct {
	Image  image.Image
	Width  int
	Height int
}

// Device abstracts the platform camera API. Opening may fail when no camera
// exists or permission is denied; the manager reports that as a boolean.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a live camera acquisition handle. At most one exists per manager.
type Stream interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// V4L2Device grabs frames from a video4linux device through ffmpeg.
type V4L2Device struct {
	path string
}

func NewV4L2Device(path string) *V4L2Device {
	return &V4L2Device{path: path}
}

// Open verifies the device is readable by grabbing one frame, then returns a
// stream that grabs on demand.
func (d *V4L2Device) Open(ctx context.Context) (Stream, error) {
	s := &v4l2Stream{path: d.path}
	if _, err := s.ReadFrame(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", d.path, err)
	}
	return s, nil
}

type v4l2Stream struct {
	path string

	mu     sync.Mutex
	closed bool
}

func (s *v4l2Stream) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, fmt.Errorf("stream closed")
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	buf := &bytes.Buffer{}
	err := ffmpeg.Input(s.path, ffmpeg.KwArgs{"f": "v4l2"}).
		Output("pipe:", ffmpeg.KwArgs{"vframes": "1", "f": "image2", "vcodec": "mjpeg"}).
		WithOutput(buf).
		Silent(true).
		Run()
	if err != nil {
		return Frame{}, fmt.Errorf("grab frame: %w", err)
	}

	img, err := jpeg.Decode(buf)
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	b := img.Bounds()
	return Frame{Image: img, Width: b.Dx(), Height: b.Dy()}, nil
}

func (s *v4l2Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
