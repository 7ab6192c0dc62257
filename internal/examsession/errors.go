package examsession

import "errors"

// Sentinel errors returned by the session manager.
var (
	ErrNoQuestions            = errors.New("exam has no questions")
	ErrInvalidDuration        = errors.New("exam duration must be positive")
	ErrQuestionOutOfRange     = errors.New("question index out of range")
	ErrEvidenceNotFound       = errors.New("evidence image not found")
	ErrSessionClosed          = errors.New("exam session is closed")
	ErrSubmissionInProgress   = errors.New("submission already in progress")
	ErrSubmissionFailed       = errors.New("submission failed")
	ErrInvalidGradingResponse = errors.New("grading response has no results")
	ErrSnapshotNotFound       = errors.New("snapshot not found")

	errMissingDeps = errors.New("session manager requires a store and a grader")
)
