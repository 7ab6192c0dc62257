package model

import (
	"time"
)

// Submission is the payload handed to the external grading API.
type Submission struct {
	SessionID        string
	Metadata         SessionMetadata
	Questions        []Question
	Files            []EvidenceImage
	QuestionTimers   map[int]int
	TotalTimeElapsed int
	TimeExpired      bool
}

// GradingResponse is the grading API response body.
type GradingResponse struct {
	Results    []GradedQuestion `json:"results"`
	TotalScore float64          `json:"total_score"`
	MaxScore   float64          `json:"max_score"`
}

// GradedQuestion is one per-question evaluation from the grading API.
type GradedQuestion struct {
	QuestionIndex int     `json:"question_index"`
	IsCorrect     bool    `json:"is_correct"`
	Score         float64 `json:"score"`
	MaxScore      float64 `json:"max_score"`
	Feedback      string  `json:"feedback,omitempty"`
}

// QuestionOutcome is the single evaluation rule's verdict for a question.
type QuestionOutcome string

const (
	OutcomeCorrect    QuestionOutcome = "correct"
	OutcomeIncorrect  QuestionOutcome = "incorrect"
	OutcomeUnanswered QuestionOutcome = "unanswered"
)

// QuestionResult combines the question, the grader's evaluation and local tracking data.
type QuestionResult struct {
	Index          int             `json:"index"`
	Question       Question        `json:"question"`
	Outcome        QuestionOutcome `json:"outcome"`
	Score          float64         `json:"score"`
	MaxScore       float64         `json:"max_score"`
	Feedback       string          `json:"feedback,omitempty"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Flagged        bool            `json:"flagged"`
}

// ResultSummary holds aggregate statistics for a graded attempt.
type ResultSummary struct {
	TotalQuestions int     `json:"total_questions"`
	Correct        int     `json:"correct"`
	Incorrect      int     `json:"incorrect"`
	Unanswered     int     `json:"unanswered"`
	Flagged        int     `json:"flagged"`
	TotalScore     float64 `json:"total_score"`
	MaxScore       float64 `json:"max_score"`
	Percentage     float64 `json:"percentage"`
}

// ExamResult is handed to the results collaborator once grading succeeds.
type ExamResult struct {
	SessionID        string           `json:"session_id"`
	StudentID        int              `json:"student_id"`
	Metadata         SessionMetadata  `json:"metadata"`
	Results          []QuestionResult `json:"results"`
	Summary          ResultSummary    `json:"summary"`
	QuestionTimers   map[int]int      `json:"question_timers"`
	TotalTimeElapsed int              `json:"total_time_elapsed"`
	TimeExpired      bool             `json:"time_expired"`
	SubmittedAt      time.Time        `json:"submitted_at"`
}
