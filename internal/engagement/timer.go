// Package engagement tracks per-question idle time and the escalation to a
// hint offer. Pure state plus time; no I/O.
package engagement

import "sync"

// Phase is the per-visit hint-escalation state of one question.
type Phase int

const (
	// Fresh means the idle clock is still below the threshold.
	Fresh Phase = iota
	// HintAvailable means the hint affordance is visible. Terminal for the
	// current visit; only navigating away and back returns the question to Fresh.
	HintAvailable
)

// DefaultIdleThreshold is the idle-seconds bar for offering a hint.
const DefaultIdleThreshold = 15

// State is a snapshot of one question's engagement bookkeeping.
type State struct {
	IdleSeconds   int
	Phase         Phase
	HintPanelOpen bool
	Revealed      []int // indices of scripted hints revealed this session
}

type questionState struct {
	idleSeconds   int
	phase         Phase
	hintPanelOpen bool
	revealed      map[int]struct{}
}

// Timer advances every displayed, unanswered question toward HintAvailable
// on a 1-second cadence.
type Timer struct {
	threshold int

	mu     sync.Mutex
	states map[int]*questionState
}

func NewTimer(thresholdSeconds int) *Timer {
	if thresholdSeconds <= 0 {
		thresholdSeconds = DefaultIdleThreshold
	}
	return &Timer{
		threshold: thresholdSeconds,
		states:    make(map[int]*questionState),
	}
}

func (t *Timer) state(question int) *questionState {
	s, ok := t.states[question]
	if !ok {
		s = &questionState{revealed: make(map[int]struct{})}
		t.states[question] = s
	}
	return s
}

// Tick advances the idle clock for the displayed question. Answered
// questions freeze; a question already at HintAvailable stays there
// (the offer is monotonic within a visit).
func (t *Timer) Tick(question int, answered bool) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(question)
	if answered || s.phase == HintAvailable {
		return s.phase
	}
	s.idleSeconds++
	if s.idleSeconds >= t.threshold {
		s.phase = HintAvailable
	}
	return s.phase
}

// Reset returns a question to Fresh with a zeroed idle clock. Called when the
// learner navigates to the question, starting a new visit. Revealed scripted
// hints are remembered across visits; the idle escalation is not.
func (t *Timer) Reset(question int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(question)
	s.idleSeconds = 0
	s.phase = Fresh
	s.hintPanelOpen = false
}

// OpenPanel records that the hint panel is showing for a question.
func (t *Timer) OpenPanel(question int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(question).hintPanelOpen = true
}

// MarkRevealed records one scripted hint as revealed for a question.
func (t *Timer) MarkRevealed(question, hintIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(question).revealed[hintIndex] = struct{}{}
}

// RevealedCount reports how many scripted hints the learner has revealed.
func (t *Timer) RevealedCount(question int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state(question).revealed)
}

// StateOf returns a copy of a question's engagement state.
func (t *Timer) StateOf(question int) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(question)
	revealed := make([]int, 0, len(s.revealed))
	for i := range s.revealed {
		revealed = append(revealed, i)
	}
	return State{
		IdleSeconds:   s.idleSeconds,
		Phase:         s.phase,
		HintPanelOpen: s.hintPanelOpen,
		Revealed:      revealed,
	}
}
