package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrNoQuestions is returned when quiz content arrives empty; a session
	// cannot start without question data.
	ErrNoQuestions = errors.New("quiz has no questions")
	// ErrSessionNotFound is returned when a session id is unknown or already ended.
	ErrSessionNotFound = errors.New("session not found")
	// ErrHintUnavailable indicates the hint service could not produce a hint
	// and the caller should fall back to the mood-check escalation.
	ErrHintUnavailable = errors.New("hint unavailable")
)
