package model

import (
	"time"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "ACTIVE"
	SessionStatusSubmitting SessionStatus = "SUBMITTING"
	SessionStatusExpired    SessionStatus = "EXPIRED"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
)

// AnswerStatus is the per-question answer state. Answers are evidence images,
// so a question is either untouched or carries at least one attachment.
type AnswerStatus string

const (
	AnswerUnanswered AnswerStatus = "unanswered"
	AnswerEvidence   AnswerStatus = "evidence"
)

// SessionMetadata identifies what the exam attempt belongs to.
type SessionMetadata struct {
	ClassID     int    `json:"class_id" binding:"required,min=1"`
	SubjectID   int    `json:"subject_id" binding:"required,min=1"`
	ChapterIDs  []int  `json:"chapters" binding:"omitempty,dive,min=1"`
	ClassName   string `json:"class_name,omitempty" binding:"omitempty,max=100"`
	SubjectName string `json:"subject_name,omitempty" binding:"omitempty,max=100"`
}

// ExamSettings holds the time budget of an attempt.
type ExamSettings struct {
	DurationSeconds int `json:"duration_seconds"`
}

// StartSessionRequest is the payload for starting (or resuming) an exam attempt.
// StartTime must be echoed back by the client on reload to resume the same attempt.
type StartSessionRequest struct {
	Metadata        SessionMetadata `json:"metadata" binding:"required"`
	Questions       []Question      `json:"questions" binding:"required,min=1,dive"`
	DurationMinutes int             `json:"duration_minutes" binding:"required,min=1,max=480"`
	StartTime       *time.Time      `json:"start_time" binding:"omitempty"`
}

// NavigateRequest is the payload for switching the active question.
type NavigateRequest struct {
	Index *int `json:"index" binding:"required,min=0"`
}

// Snapshot is the persisted progress of an exam session. Field names are the
// storage wire format and must stay stable across releases.
type Snapshot struct {
	CurrentQuestionIndex int                  `json:"currentQuestionIndex"`
	Answers              map[int]AnswerStatus `json:"answers"`
	QuestionTimers       map[int]int          `json:"questionTimers"`
	FlaggedQuestions     []int                `json:"flaggedQuestions"`
	TotalTimeElapsed     int                  `json:"totalTimeElapsed"`
	LastSaveTimestamp    int64                `json:"lastSaveTimestamp"`
}

// QuestionState is the derived per-question view.
type QuestionState struct {
	Index          int             `json:"index"`
	Status         AnswerStatus    `json:"status"`
	Flagged        bool            `json:"flagged"`
	Current        bool            `json:"current"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Evidence       []EvidenceImage `json:"evidence"`
}

// SessionState is the read-only view of a live session returned to clients.
type SessionState struct {
	SessionID            string          `json:"session_id"`
	Status               SessionStatus   `json:"status"`
	Metadata             SessionMetadata `json:"metadata"`
	CurrentQuestionIndex int             `json:"current_question_index"`
	TotalTimeElapsed     int             `json:"total_time_elapsed"`
	DurationSeconds      int             `json:"duration_seconds"`
	RemainingSeconds     int             `json:"remaining_seconds"`
	Questions            []QuestionState `json:"questions"`
	AnsweredCount        int             `json:"answered_count"`
	FlaggedCount         int             `json:"flagged_count"`
}
