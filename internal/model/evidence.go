package model

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceImage is a photo or upload of a student's worked answer.
// The bytes stay in memory for the lifetime of the session and are never persisted.
type EvidenceImage struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PreviewURL  string    `json:"preview_url"`
	AttachedAt  time.Time `json:"attached_at"`
	Data        []byte    `json:"-"`
}
