package app

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quiz-runtime-service/internal/capture"
	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/emotion"
	"quiz-runtime-service/internal/engagement"
	"quiz-runtime-service/internal/feedback"
	"quiz-runtime-service/internal/hint"
	"quiz-runtime-service/internal/kv"
)

func testQuiz(questions int) domain.Quiz {
	quiz := domain.Quiz{ID: "quiz-1"}
	for i := 0; i < questions; i++ {
		quiz.Questions = append(quiz.Questions, domain.Question{
			ID:            "q" + string(rune('1'+i)),
			Text:          "Question",
			Kind:          domain.QuestionChoice,
			Options:       []string{"a", "b", "c"},
			CorrectOption: 1,
			Hints:         []string{"first hint", "second hint"},
		})
	}
	return quiz
}

func newTestSession(t *testing.T, quiz domain.Quiz, hintURL string) (*Session, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	s := newSession(sessionConfig{
		id:       "sess-1",
		userID:   "user-1",
		quiz:     quiz,
		log:      zap.NewNop(),
		now:      time.Now,
		hints:    hint.NewController(hintURL, nil, zap.NewNop()),
		engage:   engagement.NewTimer(3),
		narrator: feedback.NewClient("", nil),
		flags:    store,
	})
	return s, store
}

func hintServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"hint": "think about denominators"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitScoresChoiceQuestions(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(3), "")

	if !s.SelectAnswer(0, domain.ChoiceAnswer(1)) {
		t.Fatal("expected answer to be accepted")
	}
	s.SelectAnswer(1, domain.ChoiceAnswer(0)) // wrong
	s.SelectAnswer(2, domain.ChoiceAnswer(1))

	result, ok := s.Submit(context.Background())
	if !ok {
		t.Fatal("expected first submit to grade")
	}
	if result.RawCorrectCount != 2 {
		t.Fatalf("raw = %d, want 2", result.RawCorrectCount)
	}
	if result.FinalScore != 2 {
		t.Fatalf("final = %d, want 2", result.FinalScore)
	}
	if !result.PerQuestionCorrect[0] || result.PerQuestionCorrect[1] || !result.PerQuestionCorrect[2] {
		t.Fatalf("per-question grading wrong: %v", result.PerQuestionCorrect)
	}
}

func TestFinalScoreFloorsAtZero(t *testing.T) {
	srv := hintServer(t)
	s, _ := newTestSession(t, testQuiz(5), srv.URL)

	// Two correct answers, hints consumed on three questions.
	s.SelectAnswer(0, domain.ChoiceAnswer(1))
	s.SelectAnswer(1, domain.ChoiceAnswer(1))
	for _, q := range []int{2, 3, 4} {
		s.JumpTo(q)
		if _, ok := s.RequestHint(context.Background()); !ok {
			t.Fatalf("hint request for %d refused", q)
		}
	}

	result, _ := s.Submit(context.Background())
	if result.RawCorrectCount != 2 || result.HintPenaltyCount != 3 {
		t.Fatalf("raw=%d penalty=%d, want 2 and 3", result.RawCorrectCount, result.HintPenaltyCount)
	}
	if result.FinalScore != 0 {
		t.Fatalf("final = %d, want 0 (never negative)", result.FinalScore)
	}
}

func TestHintedWrongAnswerStillCostsAPoint(t *testing.T) {
	srv := hintServer(t)
	s, _ := newTestSession(t, testQuiz(2), srv.URL)

	s.SelectAnswer(0, domain.ChoiceAnswer(1)) // correct
	s.JumpTo(1)
	s.RequestHint(context.Background())
	s.SelectAnswer(1, domain.ChoiceAnswer(0)) // hinted, still wrong

	result, _ := s.Submit(context.Background())
	if result.RawCorrectCount != 1 || result.HintPenaltyCount != 1 || result.FinalScore != 0 {
		t.Fatalf("got raw=%d penalty=%d final=%d, want 1/1/0",
			result.RawCorrectCount, result.HintPenaltyCount, result.FinalScore)
	}
}

func TestSubmitIsOnce(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")
	s.SelectAnswer(0, domain.ChoiceAnswer(1))

	first, ok := s.Submit(context.Background())
	if !ok {
		t.Fatal("first submit should grade")
	}
	submittedAt := first.SubmittedAt

	if s.SelectAnswer(0, domain.ChoiceAnswer(0)) {
		t.Fatal("answers must be frozen after submit")
	}
	second, ok := s.Submit(context.Background())
	if ok {
		t.Fatal("second submit must be a no-op")
	}
	if !second.SubmittedAt.Equal(submittedAt) || second.FinalScore != first.FinalScore {
		t.Fatal("second submit must return the original result")
	}
}

func TestAnsweringFreezesIdleEscalation(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")
	s.SelectAnswer(0, domain.ChoiceAnswer(0))

	for i := 0; i < 10; i++ {
		s.Tick()
	}
	if s.Snapshot().HintOffered {
		t.Fatal("answered question must never escalate to a hint offer")
	}
}

func TestIdleEscalationAndResetOnRevisit(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(2), "")

	for i := 0; i < 3; i++ {
		s.Tick()
	}
	if !s.Snapshot().HintOffered {
		t.Fatal("expected hint offer at the idle threshold")
	}

	// Leaving and coming back starts a fresh visit.
	s.Next()
	s.Previous()
	if s.Snapshot().HintOffered {
		t.Fatal("revisit must reset the idle escalation")
	}
}

func TestNavigationClamps(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(3), "")

	if got := s.Previous(); got != 0 {
		t.Fatalf("Previous at first question = %d, want 0", got)
	}
	if got := s.JumpTo(99); got != 2 {
		t.Fatalf("JumpTo(99) = %d, want clamp to 2", got)
	}
	if got := s.Next(); got != 2 {
		t.Fatalf("Next at last question = %d, want 2", got)
	}
	if got := s.JumpTo(-5); got != 0 {
		t.Fatalf("JumpTo(-5) = %d, want 0", got)
	}
}

func TestClampedNavigationKeepsIdleClock(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")

	s.Tick()
	s.Tick()
	// Clamped "move" lands on the same question: no reset.
	s.Next()
	s.Tick()
	if !s.Snapshot().HintOffered {
		t.Fatal("clamped navigation must not reset the idle clock")
	}
}

func TestFlagsPersistAndRestore(t *testing.T) {
	quiz := testQuiz(3)
	s, store := newTestSession(t, quiz, "")
	ctx := context.Background()

	s.ToggleFlag(ctx, 0)
	s.ToggleFlag(ctx, 2)
	s.ToggleFlag(ctx, 0) // unflag again

	restored := newSession(sessionConfig{
		id:       "sess-2",
		userID:   "user-1",
		quiz:     quiz,
		log:      zap.NewNop(),
		now:      time.Now,
		hints:    hint.NewController("", nil, zap.NewNop()),
		engage:   engagement.NewTimer(3),
		narrator: feedback.NewClient("", nil),
		flags:    store,
	})
	restored.restoreFlags(ctx)

	flags := restored.Snapshot().Flagged
	if len(flags) != 1 || flags[0] != 2 {
		t.Fatalf("restored flags = %v, want [2]", flags)
	}
}

func TestFilterViews(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(4), "")
	ctx := context.Background()

	s.SelectAnswer(0, domain.ChoiceAnswer(1))
	s.SelectAnswer(2, domain.ChoiceAnswer(0))
	s.ToggleFlag(ctx, 3)

	if !s.SetFilter(domain.FilterAnswered) {
		t.Fatal("valid filter refused")
	}
	if got := s.Snapshot().Visible; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("answered view = %v", got)
	}

	s.SetFilter(domain.FilterUnanswered)
	if got := s.Snapshot().Visible; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unanswered view = %v", got)
	}

	s.SetFilter(domain.FilterFlagged)
	if got := s.Snapshot().Visible; len(got) != 1 || got[0] != 3 {
		t.Fatalf("flagged view = %v", got)
	}

	if s.SetFilter(domain.FilterKind("bogus")) {
		t.Fatal("invalid filter must be rejected")
	}
	// Filtering never moves the cursor or touches answers.
	snap := s.Snapshot()
	if snap.Current != 0 || len(snap.Answered) != 2 {
		t.Fatal("filter changed session state beyond the view")
	}
}

func TestFailedHintOffersMoodCheckWithoutPenalty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	s, _ := newTestSession(t, testQuiz(1), srv.URL)

	outcome, ok := s.RequestHint(context.Background())
	if !ok || !outcome.MoodCheck {
		t.Fatalf("expected mood-check fallback, got %+v ok=%v", outcome, ok)
	}
	s.SelectAnswer(0, domain.ChoiceAnswer(1))
	result, _ := s.Submit(context.Background())
	if result.HintPenaltyCount != 0 || result.FinalScore != 1 {
		t.Fatalf("failed fetch must not cost a point: penalty=%d final=%d",
			result.HintPenaltyCount, result.FinalScore)
	}
}

func TestScriptedHintsNeedNegativeMood(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")

	if _, ok := s.RevealScriptedHint(0); ok {
		t.Fatal("scripted hints require mood escalation first")
	}
	if s.ResolveMood(0, hint.MoodOkay) {
		t.Fatal("okay mood must not escalate")
	}
	if _, ok := s.RevealScriptedHint(0); ok {
		t.Fatal("still locked after a positive mood")
	}

	if !s.ResolveMood(0, hint.MoodFrustrated) {
		t.Fatal("negative mood must escalate")
	}
	first, ok := s.RevealScriptedHint(0)
	if !ok || first.Hint != "first hint" || first.Remaining != 1 {
		t.Fatalf("first reveal = %+v ok=%v", first, ok)
	}
	second, ok := s.RevealScriptedHint(0)
	if !ok || second.Hint != "second hint" || second.Remaining != 0 {
		t.Fatalf("second reveal = %+v ok=%v", second, ok)
	}
	if _, ok := s.RevealScriptedHint(0); ok {
		t.Fatal("no hints left to reveal")
	}

	// Two reveals, one question: flat one-point penalty.
	result, _ := s.Submit(context.Background())
	if result.HintPenaltyCount != 1 {
		t.Fatalf("penalty = %d, want 1", result.HintPenaltyCount)
	}
}

func TestPublicQuestionsHideGradingData(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")

	public := s.PublicQuestions()
	data, err := json.Marshal(public)
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"correctOption", "first hint", "expectedAnswer"} {
		if strings.Contains(string(data), leak) {
			t.Fatalf("public payload leaks %q: %s", leak, data)
		}
	}
	if public[0].HintCount != 2 {
		t.Fatalf("hint count = %d, want 2", public[0].HintCount)
	}
}

type stubFrameSource struct{}

func (stubFrameSource) Snapshot() (capture.Frame, bool) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	return capture.Frame{Image: img, Width: 8, Height: 8}, true
}

func TestSubmitStopsEmotionSampling(t *testing.T) {
	var mu sync.Mutex
	received := 0
	upgrader := websocket.Upgrader{}
	classifier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			mu.Lock()
			received++
			mu.Unlock()
		}
	}))
	defer classifier.Close()

	sampler := emotion.NewSampler(emotion.Options{
		URL:      "ws" + strings.TrimPrefix(classifier.URL, "http"),
		Source:   stubFrameSource{},
		Interval: 10 * time.Millisecond,
		Log:      zap.NewNop(),
	})

	store := kv.NewMemoryStore()
	s := newSession(sessionConfig{
		id:       "sess-emotion",
		userID:   "user-1",
		quiz:     testQuiz(1),
		log:      zap.NewNop(),
		now:      time.Now,
		hints:    hint.NewController("", nil, zap.NewNop()),
		engage:   engagement.NewTimer(3),
		narrator: feedback.NewClient("", nil),
		flags:    store,
		emotions: sampler,
	})
	s.start(capture.StartOptions{})
	defer s.End()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := received
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sampler never sent a frame")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.SelectAnswer(0, domain.ChoiceAnswer(1))
	if _, ok := s.Submit(context.Background()); !ok {
		t.Fatal("submit failed")
	}
	mu.Lock()
	base := received
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := received
	mu.Unlock()
	// At most one send can already be in flight when the channel closes.
	if after > base+1 {
		t.Fatalf("sampler kept streaming after submit: %d frames before, %d after", base, after)
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(2), "")

	ch, cancel := s.Subscribe()
	defer cancel()

	initial := <-ch
	if initial.Current != 0 || initial.TotalQuestions != 2 {
		t.Fatalf("initial snapshot = %+v", initial)
	}

	s.Next()
	select {
	case snap := <-ch:
		if snap.Current != 1 {
			t.Fatalf("snapshot current = %d, want 1", snap.Current)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after navigation")
	}
}

func TestEndClosesSubscribersAndFreezesState(t *testing.T) {
	s, _ := newTestSession(t, testQuiz(1), "")
	ch, _ := s.Subscribe()
	<-ch

	s.End()
	s.End() // idempotent

	if _, open := <-ch; open {
		// Drain anything buffered before the close.
		for range ch {
		}
	}
	if s.SelectAnswer(0, domain.ChoiceAnswer(1)) {
		t.Fatal("ended session must reject mutations")
	}
	if _, ok := s.Submit(context.Background()); ok {
		t.Fatal("ended session must reject submit")
	}
}
