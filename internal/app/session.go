package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

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

// Snapshot is the state view streamed to the hosting page.
type Snapshot struct {
	SessionID       string                   `json:"sessionId"`
	QuizID          string                   `json:"quizId"`
	Current         int                      `json:"current"`
	TotalQuestions  int                      `json:"totalQuestions"`
	Answered        []int                    `json:"answered"`
	Flagged         []int                    `json:"flagged"`
	Filter          domain.FilterKind        `json:"filter"`
	Visible         []int                    `json:"visible"`
	ElapsedSeconds  int                      `json:"elapsedSeconds"`
	HintOffered     bool                     `json:"hintOffered"`
	HintPanelOpen   bool                     `json:"hintPanelOpen"`
	HintedQuestions []int                    `json:"hintedQuestions"`
	CameraActive    bool                     `json:"cameraActive"`
	Emotion         *domain.EmotionStatus    `json:"emotion,omitempty"`
	Submitted       bool                     `json:"submitted"`
	Result          *domain.SubmissionResult `json:"result,omitempty"`
}

// PublicQuestion is a question stripped of grading data and unrevealed hints
// before it leaves the runtime.
type PublicQuestion struct {
	ID        string              `json:"id"`
	Text      string              `json:"text"`
	Kind      domain.QuestionKind `json:"kind"`
	Options   []string            `json:"options,omitempty"`
	HintCount int                 `json:"hintCount"`
}

// HintOutcome is the reply to a hint request. MoodCheck set means the remote
// service failed and the UI should show the mood prompt instead.
type HintOutcome struct {
	QuestionIndex int    `json:"questionIndex"`
	Hint          string `json:"hint,omitempty"`
	FromCache     bool   `json:"fromCache"`
	MoodCheck     bool   `json:"moodCheck"`
}

// ScriptedHint is one locally-authored hint revealed through the escalation.
type ScriptedHint struct {
	QuestionIndex int    `json:"questionIndex"`
	HintIndex     int    `json:"hintIndex"`
	Hint          string `json:"hint"`
	Remaining     int    `json:"remaining"`
}

type sessionConfig struct {
	id       string
	userID   string
	quiz     domain.Quiz
	log      *zap.Logger
	now      func() time.Time
	hints    *hint.Controller
	engage   *engagement.Timer
	narrator *feedback.Client
	flags    kv.Store
	capture  *capture.Manager
	emotions *emotion.Sampler
}

// Session is the aggregate session state machine: InProgress until Submit,
// Submitted thereafter, with no further mutation of answers or flags.
type Session struct {
	id       string
	userID   string
	quiz     domain.Quiz
	log      *zap.Logger
	now      func() time.Time
	hints    *hint.Controller
	engage   *engagement.Timer
	narrator *feedback.Client
	flags    kv.Store
	capture  *capture.Manager
	emotions *emotion.Sampler

	mu          sync.RWMutex
	current     int
	answers     map[int]domain.Answer
	flagged     map[int]struct{}
	filter      domain.FilterKind
	elapsed     int
	submitted   bool
	ended       bool
	result      *domain.SubmissionResult
	subscribers map[chan Snapshot]struct{}

	runCancel context.CancelFunc
}

func newSession(cfg sessionConfig) *Session {
	return &Session{
		id:          cfg.id,
		userID:      cfg.userID,
		quiz:        cfg.quiz,
		log:         cfg.log,
		now:         cfg.now,
		hints:       cfg.hints,
		engage:      cfg.engage,
		narrator:    cfg.narrator,
		flags:       cfg.flags,
		capture:     cfg.capture,
		emotions:    cfg.emotions,
		answers:     make(map[int]domain.Answer),
		flagged:     make(map[int]struct{}),
		filter:      domain.FilterAll,
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) QuizID() string { return s.quiz.ID }
func (s *Session) UserID() string { return s.userID }

// start brings up the camera, the emotion channel and the engagement tick.
// Camera failure is a boolean non-event; the session continues without video.
func (s *Session) start(opts capture.StartOptions) {
	if s.capture != nil {
		if !s.capture.Start(opts) {
			s.log.Info("session running without camera")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	if s.emotions != nil {
		s.emotions.Start(ctx)
		s.emotions.OnQuestionEnter(0)
	}
	go s.run(ctx)
}

// run drives the 1-second engagement tick. The capture sampling loop and the
// emotion cadence are separate timers with separate failure domains.
func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick advances elapsed time and the current question's idle clock.
func (s *Session) Tick() {
	s.mu.Lock()
	if s.submitted || s.ended {
		s.mu.Unlock()
		return
	}
	s.elapsed++
	current := s.current
	_, answered := s.answers[current]
	s.mu.Unlock()

	s.engage.Tick(current, answered)
	s.broadcast()
}

// SelectAnswer records the learner's response, overwriting any prior record.
// Answering suppresses further idle escalation but does not retract an
// already-revealed hint offer or panel.
func (s *Session) SelectAnswer(index int, answer domain.Answer) bool {
	s.mu.Lock()
	if s.submitted || s.ended || index < 0 || index >= len(s.quiz.Questions) {
		s.mu.Unlock()
		return false
	}
	q := s.quiz.Questions[index]
	if q.Kind == domain.QuestionChoice && (answer.OptionIndex < 0 || answer.OptionIndex >= len(q.Options)) {
		s.mu.Unlock()
		return false
	}
	s.answers[index] = answer
	s.mu.Unlock()

	s.broadcast()
	return true
}

// ToggleFlag marks or unmarks a question for review, independent of answer
// and engagement state. The flag set is persisted so it survives a reload.
func (s *Session) ToggleFlag(ctx context.Context, index int) bool {
	s.mu.Lock()
	if s.submitted || s.ended || index < 0 || index >= len(s.quiz.Questions) {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.flagged[index]; ok {
		delete(s.flagged, index)
	} else {
		s.flagged[index] = struct{}{}
	}
	indices := s.flaggedLocked()
	s.mu.Unlock()

	s.persistFlags(ctx, indices)
	s.broadcast()
	return true
}

// SetFilter switches the derived view. Read-side only: no answer, flag or
// engagement state changes.
func (s *Session) SetFilter(kind domain.FilterKind) bool {
	if !domain.ValidFilter(kind) {
		return false
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.filter = kind
	s.mu.Unlock()

	s.broadcast()
	return true
}

// Next moves to the following question, clamped at the last index.
func (s *Session) Next() int {
	return s.navigate(func(current int) int { return current + 1 })
}

// Previous moves to the preceding question, clamped at zero.
func (s *Session) Previous() int {
	return s.navigate(func(current int) int { return current - 1 })
}

// JumpTo moves directly to an index, clamped to the question range.
func (s *Session) JumpTo(index int) int {
	return s.navigate(func(int) int { return index })
}

func (s *Session) navigate(dest func(current int) int) int {
	s.mu.Lock()
	if s.ended {
		current := s.current
		s.mu.Unlock()
		return current
	}
	target := dest(s.current)
	if target < 0 {
		target = 0
	}
	if last := len(s.quiz.Questions) - 1; target > last {
		target = last
	}
	moved := target != s.current
	s.current = target
	s.mu.Unlock()

	if moved {
		// Destination starts a fresh visit; the idle clock resets only on a real move.
		s.engage.Reset(target)
		if s.emotions != nil {
			s.emotions.OnQuestionEnter(target)
		}
		s.broadcast()
	}
	return target
}

// RequestHint fetches (or replays) the hint for the question displayed when
// the learner asked. The outcome carries the question index so a slow
// response still lands on the panel it belongs to.
func (s *Session) RequestHint(ctx context.Context) (HintOutcome, bool) {
	s.mu.RLock()
	if s.submitted || s.ended {
		s.mu.RUnlock()
		return HintOutcome{}, false
	}
	index := s.current
	q := s.quiz.Questions[index]
	s.mu.RUnlock()

	text, fromCache, err := s.hints.Fetch(ctx, hint.Request{
		UserID:        s.userID,
		SessionID:     s.id,
		QuestionID:    q.ID,
		QuestionIndex: index,
		QuestionText:  q.Text,
		Options:       q.Options,
	})
	if err != nil {
		return HintOutcome{QuestionIndex: index, MoodCheck: true}, true
	}

	s.engage.OpenPanel(index)
	s.broadcast()
	return HintOutcome{QuestionIndex: index, Hint: text, FromCache: fromCache}, true
}

// ResolveMood answers the fallback prompt for a question. A negative mood
// unlocks its scripted hints; otherwise nothing is shown.
func (s *Session) ResolveMood(index int, mood hint.Mood) bool {
	s.mu.RLock()
	invalid := s.submitted || s.ended || index < 0 || index >= len(s.quiz.Questions)
	s.mu.RUnlock()
	if invalid {
		return false
	}
	return s.hints.ResolveMood(index, mood)
}

// RevealScriptedHint reveals the next locally-authored hint for a question.
// Each hint needs its own reveal; the penalty stays one per question no
// matter how many are shown.
func (s *Session) RevealScriptedHint(index int) (ScriptedHint, bool) {
	s.mu.RLock()
	if s.submitted || s.ended || index < 0 || index >= len(s.quiz.Questions) {
		s.mu.RUnlock()
		return ScriptedHint{}, false
	}
	q := s.quiz.Questions[index]
	s.mu.RUnlock()

	if !s.hints.Escalated(index) {
		return ScriptedHint{}, false
	}
	next := s.engage.RevealedCount(index)
	if next >= len(q.Hints) {
		return ScriptedHint{}, false
	}

	s.engage.MarkRevealed(index, next)
	s.engage.OpenPanel(index)
	s.hints.MarkUsed(index)
	monitoring.HintsServed.WithLabelValues("scripted").Inc()
	s.broadcast()

	return ScriptedHint{
		QuestionIndex: index,
		HintIndex:     next,
		Hint:          q.Hints[next],
		Remaining:     len(q.Hints) - next - 1,
	}, true
}

// Submit grades the session exactly once. Choice questions auto-grade;
// free-text questions are excluded from the automatic count. The narrative
// is requested asynchronously and merged when it arrives; a second Submit
// is a no-op returning the original result.
func (s *Session) Submit(ctx context.Context) (*domain.SubmissionResult, bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, false
	}
	if s.submitted {
		result := s.resultCopyLocked()
		s.mu.Unlock()
		return result, false
	}

	raw := 0
	perQuestion := make(map[int]bool)
	for i, q := range s.quiz.Questions {
		if q.Kind != domain.QuestionChoice {
			continue
		}
		answer, ok := s.answers[i]
		correct := ok && answer.OptionIndex == q.CorrectOption
		perQuestion[i] = correct
		if correct {
			raw++
		}
	}
	penalty := s.hints.PenaltyCount()
	final := raw - penalty
	if final < 0 {
		final = 0
	}

	s.result = &domain.SubmissionResult{
		RawCorrectCount:    raw,
		HintPenaltyCount:   penalty,
		FinalScore:         final,
		PerQuestionCorrect: perQuestion,
		NarrativePending:   true,
		SubmittedAt:        s.now(),
	}
	s.submitted = true
	result := s.resultCopyLocked()
	request := s.feedbackRequestLocked()
	s.mu.Unlock()

	// The quiz is frozen now; the classifier channel has nothing left to
	// observe, so emotion sampling stops at submit rather than at teardown.
	if s.emotions != nil {
		s.emotions.Stop()
	}

	s.log.Info("session submitted",
		zap.Int("raw", raw), zap.Int("penalty", penalty), zap.Int("final", final))
	s.broadcast()

	// The narrative outlives the submit call; it is merged only if the
	// session is still alive when it returns.
	go s.fetchNarrative(context.Background(), request)

	return result, true
}

func (s *Session) feedbackRequestLocked() feedback.Request {
	answers := make([]feedback.QuestionAnswer, 0, len(s.quiz.Questions))
	for i, q := range s.quiz.Questions {
		entry := feedback.QuestionAnswer{QuestionID: q.ID}
		if answer, ok := s.answers[i]; ok {
			if q.Kind == domain.QuestionChoice {
				entry.Answer = q.Options[answer.OptionIndex]
				entry.Correct = answer.OptionIndex == q.CorrectOption
			} else {
				entry.Answer = answer.Text
			}
		}
		answers = append(answers, entry)
	}
	return feedback.Request{
		UserID:             s.userID,
		QuizID:             s.quiz.ID,
		SessionID:          s.id,
		RawScore:           s.result.RawCorrectCount,
		TotalQuestions:     len(s.quiz.Questions),
		PerQuestionAnswers: answers,
	}
}

func (s *Session) fetchNarrative(ctx context.Context, request feedback.Request) {
	resp, err := s.narrator.Fetch(ctx, request)

	s.mu.Lock()
	if s.ended || s.result == nil {
		// Session already torn down: discard the late response.
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.result.NarrativePending = false
		s.mu.Unlock()
		s.log.Warn("narrative unavailable, numeric result stands", zap.Error(err))
		s.broadcast()
		return
	}
	s.result.Narrative = resp.Feedback
	s.result.NarrativePending = false
	s.mu.Unlock()

	s.broadcast()
}

// AttachPreview re-parents the docked camera preview; see capture.Manager.
func (s *Session) AttachPreview(mount string) bool {
	if s.capture == nil {
		return false
	}
	return s.capture.AttachPreview(mount)
}

// StartCapture / StopCapture toggle frame sampling without touching previews.
func (s *Session) StartCapture(opts capture.CaptureOptions) bool {
	if s.capture == nil {
		return false
	}
	return s.capture.StartCapture(opts)
}

func (s *Session) StopCapture() {
	if s.capture != nil {
		s.capture.StopCapture()
	}
}

// End tears the session down: tick, sampling and camera stop deterministically.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cancel := s.runCancel
	s.runCancel = nil
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.emotions != nil {
		s.emotions.Stop()
	}
	if s.capture != nil {
		s.capture.Stop()
	}
	s.log.Info("session ended")
}

// Subscribe returns a channel receiving state snapshots. The caller must
// invoke the cancel function to avoid leaks.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	initial := s.snapshotLocked()
	s.mu.Unlock()

	ch <- initial

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	snap := s.snapshotLocked()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot so a slow reader never blocks the session.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Snapshot returns the current state view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	engState := s.engage.StateOf(s.current)

	snap := Snapshot{
		SessionID:       s.id,
		QuizID:          s.quiz.ID,
		Current:         s.current,
		TotalQuestions:  len(s.quiz.Questions),
		Answered:        s.answeredLocked(),
		Flagged:         s.flaggedLocked(),
		Filter:          s.filter,
		Visible:         s.visibleLocked(),
		ElapsedSeconds:  s.elapsed,
		HintOffered:     engState.Phase == engagement.HintAvailable,
		HintPanelOpen:   engState.HintPanelOpen,
		HintedQuestions: s.hints.Usage(),
		Submitted:       s.submitted,
		Result:          s.resultCopyLocked(),
	}
	if s.capture != nil {
		snap.CameraActive = s.capture.IsActive()
	}
	if s.emotions != nil {
		if status, ok := s.emotions.StatusFor(s.current); ok {
			snap.Emotion = &status
		}
	}
	return snap
}

func (s *Session) resultCopyLocked() *domain.SubmissionResult {
	if s.result == nil {
		return nil
	}
	result := *s.result
	return &result
}

func (s *Session) answeredLocked() []int {
	out := make([]int, 0, len(s.answers))
	for i := range s.answers {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s *Session) flaggedLocked() []int {
	out := make([]int, 0, len(s.flagged))
	for i := range s.flagged {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// visibleLocked applies the filter predicate to produce the derived view.
func (s *Session) visibleLocked() []int {
	switch s.filter {
	case domain.FilterCurrent:
		return []int{s.current}
	case domain.FilterAnswered:
		return s.answeredLocked()
	case domain.FilterUnanswered:
		out := make([]int, 0, len(s.quiz.Questions))
		for i := range s.quiz.Questions {
			if _, ok := s.answers[i]; !ok {
				out = append(out, i)
			}
		}
		return out
	case domain.FilterFlagged:
		return s.flaggedLocked()
	default:
		out := make([]int, len(s.quiz.Questions))
		for i := range out {
			out[i] = i
		}
		return out
	}
}

// PublicQuestions returns the quiz content with grading data and unrevealed
// hint text stripped.
func (s *Session) PublicQuestions() []PublicQuestion {
	out := make([]PublicQuestion, 0, len(s.quiz.Questions))
	for _, q := range s.quiz.Questions {
		out = append(out, PublicQuestion{
			ID:        q.ID,
			Text:      q.Text,
			Kind:      q.Kind,
			Options:   q.Options,
			HintCount: len(q.Hints),
		})
	}
	return out
}

const flagKeyPrefix = "quiz:flags:"

func (s *Session) flagKey() string {
	return flagKeyPrefix + s.quiz.ID + ":" + s.userID
}

// restoreFlags loads the persisted flag set for this quiz and learner.
func (s *Session) restoreFlags(ctx context.Context) {
	if s.flags == nil {
		return
	}
	raw, ok, err := s.flags.Get(ctx, s.flagKey())
	if err != nil {
		s.log.Warn("flag restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var indices []int
	if err := json.Unmarshal([]byte(raw), &indices); err != nil {
		return
	}
	s.mu.Lock()
	for _, i := range indices {
		if i >= 0 && i < len(s.quiz.Questions) {
			s.flagged[i] = struct{}{}
		}
	}
	s.mu.Unlock()
}

func (s *Session) persistFlags(ctx context.Context, indices []int) {
	if s.flags == nil {
		return
	}
	data, err := json.Marshal(indices)
	if err != nil {
		return
	}
	if err := s.flags.Set(ctx, s.flagKey(), string(data)); err != nil {
		s.log.Warn("flag persist failed", zap.Error(err))
	}
}
