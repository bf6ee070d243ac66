package app

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quiz-runtime-service/internal/capture"
	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/emotion"
	"quiz-runtime-service/internal/engagement"
	"quiz-runtime-service/internal/feedback"
	"quiz-runtime-service/internal/hint"
	"quiz-runtime-service/internal/kv"
	"quiz-runtime-service/internal/monitoring"
)

// SessionRegistry abstracts how live sessions are tracked.
type SessionRegistry interface {
	Put(session *Session)
	Get(id string) (*Session, bool)
	Delete(id string)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Deps bundles the external collaborators every session is wired to.
type Deps struct {
	HintURL         string
	FeedbackURL     string
	FrameArchiveURL string
	EmotionURL      string
	HTTPClient      *http.Client

	Device          capture.Device // nil means no camera; sessions run without video
	FloatingPreview bool
	SamplingEnabled bool
	SampleInterval  time.Duration
	EmotionInterval time.Duration
	JPEGQuality     int

	IdleThresholdSeconds int

	Log *zap.Logger
	Now func() time.Time
}

// RuntimeService owns the quiz-session use cases.
type RuntimeService struct {
	sessions SessionRegistry
	quizzes  QuizRepository
	flags    kv.Store
	deps     Deps
}

func NewRuntimeService(sessions SessionRegistry, quizzes QuizRepository, flags kv.Store, deps Deps) *RuntimeService {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &RuntimeService{sessions: sessions, quizzes: quizzes, flags: flags, deps: deps}
}

// StartSession loads the quiz, builds a fully wired session and starts its
// clocks and capture pipeline. The absence of question data is the only
// unrecoverable condition.
func (s *RuntimeService) StartSession(ctx context.Context, quizID, userID string) (*Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if len(quiz.Questions) == 0 {
		return nil, domain.ErrNoQuestions
	}

	id := uuid.NewString()
	log := s.deps.Log.With(zap.String("session", id), zap.String("quiz", quizID))

	manager := capture.NewManager(s.deps.Device, s.deps.FrameArchiveURL, s.deps.HTTPClient, log)
	sampler := emotion.NewSampler(emotion.Options{
		URL:       s.deps.EmotionURL,
		Source:    manager,
		Interval:  s.deps.EmotionInterval,
		UserID:    userID,
		QuizID:    quizID,
		SessionID: id,
		Log:       log,
		Now:       s.deps.Now,
	})

	session := newSession(sessionConfig{
		id:       id,
		userID:   userID,
		quiz:     quiz,
		log:      log,
		now:      s.deps.Now,
		hints:    hint.NewController(s.deps.HintURL, s.deps.HTTPClient, log),
		engage:   engagement.NewTimer(s.deps.IdleThresholdSeconds),
		narrator: feedback.NewClient(s.deps.FeedbackURL, s.deps.HTTPClient),
		flags:    s.flags,
		capture:  manager,
		emotions: sampler,
	})
	session.restoreFlags(ctx)

	session.start(capture.StartOptions{
		UserID:          userID,
		QuizID:          quizID,
		SessionID:       id,
		FloatingPreview: s.deps.FloatingPreview,
		SamplingEnabled: s.deps.SamplingEnabled,
		SampleInterval:  s.deps.SampleInterval,
		Quality:         s.deps.JPEGQuality,
	})

	s.sessions.Put(session)
	monitoring.ActiveSessions.Inc()
	log.Info("session started", zap.String("user", userID), zap.Int("questions", len(quiz.Questions)))
	return session, nil
}

// Get looks up a live session.
func (s *RuntimeService) Get(id string) (*Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// EndSession tears a session down deterministically: engagement tick,
// sampling timer and camera are all stopped by the time it returns.
// In-flight service calls may still finish; their results are discarded.
func (s *RuntimeService) EndSession(id string) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return
	}
	session.End()
	s.sessions.Delete(id)
	monitoring.ActiveSessions.Dec()
}
