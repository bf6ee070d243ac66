// Package emotion streams downscaled frames to an external classifier over a
// persistent websocket and surfaces the classifications as a per-question
// status. The whole pipeline is strictly additive: a missing or failing
// channel degrades silently and never touches hints or scoring.
package emotion

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quiz-runtime-service/internal/capture"
	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/monitoring"
)

// FrameSize is the square edge of frames sent for classification.
const FrameSize = 224

const defaultInterval = 30 * time.Second

// FrameSource yields the latest preview frame when one is buffered.
type FrameSource interface {
	Snapshot() (capture.Frame, bool)
}

type analyzeFrame struct {
	Event         string    `json:"event"`
	UserID        string    `json:"userId"`
	QuizID        string    `json:"quizId"`
	SessionID     string    `json:"sessionId"`
	QuestionIndex int       `json:"questionIndex"`
	Image         string    `json:"image"`
	Timestamp     time.Time `json:"timestamp"`
}

type classifierEvent struct {
	Event      string  `json:"event"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Sampler captures frames on its own cadence, independent of the capture
// manager's archival sampling.
type Sampler struct {
	url       string
	dialer    *websocket.Dialer
	source    FrameSource
	interval  time.Duration
	userID    string
	quizID    string
	sessionID string
	log       *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	statuses    map[int]domain.EmotionStatus
	question    int
	lastSampled int
	cancel      context.CancelFunc
	started     bool
}

// Options configure a sampler. Zero Interval picks the default cadence.
type Options struct {
	URL       string
	Source    FrameSource
	Interval  time.Duration
	UserID    string
	QuizID    string
	SessionID string
	Log       *zap.Logger
	Now       func() time.Time
}

func NewSampler(opts Options) *Sampler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		url:         opts.URL,
		dialer:      websocket.DefaultDialer,
		source:      opts.Source,
		interval:    interval,
		userID:      opts.UserID,
		quizID:      opts.QuizID,
		sessionID:   opts.SessionID,
		log:         opts.Log,
		now:         now,
		statuses:    make(map[int]domain.EmotionStatus),
		lastSampled: -1,
	}
}

// Start dials the classifier channel and begins the sampling loop. A dial
// failure only logs; the session runs without emotion sensing.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.url == "" || s.source == nil {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.log.Warn("emotion channel unavailable", zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.sampleLoop(runCtx)
}

func (s *Sampler) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

// OnQuestionEnter records the displayed question and samples immediately.
func (s *Sampler) OnQuestionEnter(question int) {
	s.mu.Lock()
	s.question = question
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	go s.sampleOnce()
}

func (s *Sampler) sampleOnce() {
	s.mu.Lock()
	conn := s.conn
	question := s.question
	s.mu.Unlock()
	if conn == nil {
		return
	}

	frame, ok := s.source.Snapshot()
	if !ok {
		return
	}
	small := capture.Downscale(frame, FrameSize)
	payload, err := capture.EncodeJPEG(small, 0)
	if err != nil {
		s.log.Warn("emotion frame encode failed", zap.Error(err))
		return
	}

	msg := analyzeFrame{
		Event:         "analyze-frame",
		UserID:        s.userID,
		QuizID:        s.quizID,
		SessionID:     s.sessionID,
		QuestionIndex: question,
		Image:         base64.StdEncoding.EncodeToString(payload),
		Timestamp:     s.now(),
	}

	s.writeMu.Lock()
	err = conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn("emotion frame send failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastSampled = question
	s.mu.Unlock()
}

// readLoop associates inbound classifications with the question index the
// frame was sampled for, not the question currently on screen.
func (s *Sampler) readLoop(conn *websocket.Conn) {
	for {
		var evt classifierEvent
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}
		switch evt.Event {
		case "emotion-detected":
			monitoring.EmotionEvents.WithLabelValues("detected").Inc()
			s.mu.Lock()
			if s.lastSampled >= 0 {
				s.statuses[s.lastSampled] = domain.EmotionStatus{
					Emotion:    evt.Emotion,
					Confidence: evt.Confidence,
					At:         s.now(),
				}
			}
			s.mu.Unlock()
		case "emotion-error":
			monitoring.EmotionEvents.WithLabelValues("error").Inc()
			s.log.Debug("classifier error", zap.String("reason", evt.Reason))
		}
	}
}

// StatusFor returns the latest classification for a question, if any.
func (s *Sampler) StatusFor(question int) (domain.EmotionStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[question]
	return status, ok
}

// Stop cancels the sampling loop and closes the channel.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
