package websocket

import "github.com/stemsi/exstem-examtaker/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionNavigate Action = "navigate"
	ActionFlag     Action = "flag"
	ActionState    Action = "state"
	ActionPing     Action = "ping"
)

// RequestPayload is the single client message shape; Index is used by
// navigate and flag.
type RequestPayload struct {
	Action Action `json:"action"`
	Index  *int   `json:"index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick    Event = "tick"
	EventState   Event = "state"
	EventFlagged Event = "flagged"
	EventResult  Event = "result"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

// TickEvent is pushed every second while the session is live.
type TickEvent struct {
	Event            Event               `json:"event"`
	Status           model.SessionStatus `json:"status"`
	CurrentIndex     int                 `json:"current_question_index"`
	TotalTimeElapsed int                 `json:"total_time_elapsed"`
	RemainingSeconds int                 `json:"remaining_seconds"`
}

type StateEvent struct {
	Event Event              `json:"event"`
	State model.SessionState `json:"state"`
}

type FlaggedEvent struct {
	Event   Event `json:"event"`
	Index   int   `json:"index"`
	Flagged bool  `json:"flagged"`
}

// ResultEvent is published on the student's events channel once grading succeeds.
type ResultEvent struct {
	Event     Event             `json:"event"`
	SessionID string            `json:"session_id"`
	Result    *model.ExamResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
