package domain

import "time"

// QuestionKind distinguishes auto-gradable choice questions from free text.
type QuestionKind string

const (
	QuestionChoice   QuestionKind = "choice"
	QuestionFreeText QuestionKind = "freeText"
)

// Question is one quiz item. Immutable once a session starts.
type Question struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Kind           QuestionKind `json:"kind"`
	Options        []string     `json:"options,omitempty"`
	CorrectOption  int          `json:"correctOption"`
	Hints          []string     `json:"hints,omitempty"` // locally-authored scripted hints, revealed one at a time
	ExpectedAnswer string       `json:"expectedAnswer,omitempty"`
}

// Quiz is a read-only collection of questions keyed by id.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// Answer is a learner's response to a single question.
// OptionIndex is -1 for free-text responses.
type Answer struct {
	OptionIndex int    `json:"optionIndex"`
	Text        string `json:"text,omitempty"`
}

// ChoiceAnswer builds an Answer selecting an option index.
func ChoiceAnswer(option int) Answer {
	return Answer{OptionIndex: option}
}

// FreeTextAnswer builds an Answer for a free-text question.
func FreeTextAnswer(text string) Answer {
	return Answer{OptionIndex: -1, Text: text}
}

// FilterKind selects a derived view over the question list. Read-side only.
type FilterKind string

const (
	FilterAll        FilterKind = "all"
	FilterCurrent    FilterKind = "current"
	FilterAnswered   FilterKind = "answered"
	FilterUnanswered FilterKind = "unanswered"
	FilterFlagged    FilterKind = "flagged"
)

// ValidFilter reports whether k names a known filter predicate.
func ValidFilter(k FilterKind) bool {
	switch k {
	case FilterAll, FilterCurrent, FilterAnswered, FilterUnanswered, FilterFlagged:
		return true
	}
	return false
}

// EmotionStatus is the latest classification associated with a question.
// It is an observability signal only and never feeds hints or scoring.
type EmotionStatus struct {
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// SubmissionResult is computed exactly once at submit time. The narrative
// arrives asynchronously; NarrativePending tells the UI to tolerate the gap.
type SubmissionResult struct {
	RawCorrectCount    int          `json:"rawCorrectCount"`
	HintPenaltyCount   int          `json:"hintPenaltyCount"`
	FinalScore         int          `json:"finalScore"`
	PerQuestionCorrect map[int]bool `json:"perQuestionCorrect"`
	Narrative          string       `json:"narrative,omitempty"`
	NarrativePending   bool         `json:"narrativePending"`
	SubmittedAt        time.Time    `json:"submittedAt"`
}
