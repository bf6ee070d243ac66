// Package capture owns the single shared camera stream, its preview sinks,
// and the periodic frame sampling pipeline. It knows nothing about quiz
// semantics.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"quiz-runtime-service/internal/monitoring"
)

// SinkKind names the two preview consumers of the shared stream.
type SinkKind string

const (
	SinkDocked   SinkKind = "docked"
	SinkFloating SinkKind = "floating"
)

// Sink is a rendering handle onto the shared stream. Sinks never control the
// device; they only receive frames from the owning manager.
type Sink struct {
	Kind SinkKind

	mu    sync.RWMutex
	mount string
	frame Frame
	ready bool
}

// Ready reports whether the sink has buffered at least one renderable frame.
// A sink can exist before the stream produced its first frame.
func (s *Sink) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Latest returns the most recent frame pushed into the sink.
func (s *Sink) Latest() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.ready
}

// Mount returns the container the sink is currently parented to.
func (s *Sink) Mount() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mount
}

func (s *Sink) push(f Frame) {
	s.mu.Lock()
	s.frame = f
	s.ready = true
	s.mu.Unlock()
}

func (s *Sink) reparent(mount string) {
	s.mu.Lock()
	s.mount = mount
	s.mu.Unlock()
}

// StartOptions configure stream acquisition and the initial sampling state.
type StartOptions struct {
	UserID          string
	QuizID          string
	SessionID       string
	Mount           string // docked preview container; may be empty when the UI has not rendered yet
	FloatingPreview bool
	SamplingEnabled bool
	SampleInterval  time.Duration
	Quality         int
}

// CaptureOptions configure the sampling loop independently of the stream.
type CaptureOptions struct {
	Interval time.Duration
	Quality  int
}

const defaultSampleInterval = 10 * time.Second

// Manager owns zero-or-one active camera stream and exposes it to the docked
// and floating preview sinks. Only the manager starts or stops the device.
type Manager struct {
	device     Device
	archiveURL string
	client     *http.Client
	log        *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	stream     Stream
	cancel     context.CancelFunc
	pumpDone   chan struct{}
	sinks      []*Sink
	opts       StartOptions
	sampleStop context.CancelFunc
	sampleDone chan struct{}
}

func NewManager(device Device, archiveURL string, client *http.Client, log *zap.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		device:     device,
		archiveURL: archiveURL,
		client:     client,
		log:        log,
		now:        time.Now,
	}
}

// Start acquires the camera and creates the preview sinks. Idempotent: a
// second call while active returns true without re-acquiring the device.
// Missing device or denied permission surface as false, never as a panic.
func (m *Manager) Start(opts StartOptions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return true
	}
	if m.device == nil {
		m.log.Warn("no camera device available, continuing without video")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.device.Open(ctx)
	if err != nil {
		cancel()
		m.log.Warn("camera acquisition failed", zap.Error(err))
		return false
	}

	m.stream = stream
	m.cancel = cancel
	m.opts = opts
	m.sinks = []*Sink{{Kind: SinkDocked, mount: opts.Mount}}
	if opts.FloatingPreview {
		m.sinks = append(m.sinks, &Sink{Kind: SinkFloating})
	}

	m.pumpDone = make(chan struct{})
	go m.pump(ctx, stream, m.pumpDone)

	if opts.SamplingEnabled {
		m.startSamplingLocked(CaptureOptions{Interval: opts.SampleInterval, Quality: opts.Quality})
	}
	return true
}

// pump feeds frames from the stream into every sink until cancelled.
func (m *Manager) pump(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)
	for {
		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient read failure: sinks keep their last frame and we retry.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for _, sink := range m.snapshotSinks() {
			sink.push(frame)
		}
	}
}

func (m *Manager) snapshotSinks() []*Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Sink(nil), m.sinks...)
}

// AttachPreview re-parents the docked sink into a new container. Used when
// the stream was started before its UI container existed. Returns false when
// no stream is active.
func (m *Manager) AttachPreview(mount string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return false
	}
	for _, sink := range m.sinks {
		if sink.Kind == SinkDocked {
			sink.reparent(mount)
			return true
		}
	}
	m.sinks = append(m.sinks, &Sink{Kind: SinkDocked, mount: mount})
	return true
}

// StartCapture enables periodic sampling without touching the stream or its
// sinks. Returns false when no stream exists; true when sampling is running
// (including when it already was).
func (m *Manager) StartCapture(opts CaptureOptions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return false
	}
	if m.sampleStop != nil {
		return true
	}
	m.startSamplingLocked(opts)
	return true
}

func (m *Manager) startSamplingLocked(opts CaptureOptions) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.sampleStop = cancel
	m.sampleDone = done
	go m.sampleLoop(ctx, interval, opts.Quality, done)
}

// StopCapture disables sampling while keeping the stream and previews alive.
func (m *Manager) StopCapture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSamplingLocked()
}

func (m *Manager) stopSamplingLocked() {
	if m.sampleStop == nil {
		return
	}
	m.sampleStop()
	m.sampleStop = nil
	m.sampleDone = nil
}

func (m *Manager) sampleLoop(ctx context.Context, interval time.Duration, quality int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(quality)
		}
	}
}

// sampleOnce picks the first ready sink (docked preferred), encodes its frame
// and uploads it. No ready sink means skip silently; an upload failure is
// logged and otherwise ignored.
func (m *Manager) sampleOnce(quality int) {
	frame, ok := m.Snapshot()
	if !ok {
		return
	}
	payload, err := EncodeJPEG(frame, quality)
	if err != nil {
		m.log.Warn("frame encode failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	opts := m.opts
	m.mu.Unlock()
	go m.upload(payload, opts)
}

// Snapshot grabs the latest frame from the preferred ready sink. The emotion
// sampler reads frames through this, never through the device.
func (m *Manager) Snapshot() (Frame, bool) {
	sinks := m.snapshotSinks()
	for _, sink := range sinks {
		if sink.Kind == SinkDocked && sink.Ready() {
			return sink.Latest()
		}
	}
	for _, sink := range sinks {
		if sink.Ready() {
			return sink.Latest()
		}
	}
	return Frame{}, false
}

type framePayload struct {
	Image     string    `json:"image"`
	QuizID    string    `json:"quizId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Manager) upload(image []byte, opts StartOptions) {
	if m.archiveURL == "" {
		return
	}
	body, err := json.Marshal(framePayload{
		Image:     base64.StdEncoding.EncodeToString(image),
		QuizID:    opts.QuizID,
		UserID:    opts.UserID,
		Timestamp: m.now(),
	})
	if err != nil {
		m.log.Warn("frame payload marshal failed", zap.Error(err))
		return
	}
	resp, err := m.client.Post(m.archiveURL, "application/json", bytes.NewReader(body))
	if err != nil {
		monitoring.FrameUploadFailures.Inc()
		m.log.Warn("frame upload failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		monitoring.FrameUploadFailures.Inc()
		m.log.Warn("frame upload rejected", zap.Int("status", resp.StatusCode))
		return
	}
	monitoring.FramesUploaded.Inc()
}

// Stop tears everything down: cancels sampling, stops the device stream and
// discards all sinks. Safe to call when nothing is active.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return
	}
	m.stopSamplingLocked()
	m.cancel()
	stream := m.stream
	pumpDone := m.pumpDone
	m.stream = nil
	m.cancel = nil
	m.pumpDone = nil
	m.sinks = nil
	m.mu.Unlock()

	_ = stream.Close()
	if pumpDone != nil {
		<-pumpDone
	}
}

// IsActive reports whether a stream currently exists.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}
