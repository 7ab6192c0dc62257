package examsession

import (
	"fmt"
	"time"
)

// SessionID derives the public identifier of an attempt. The start time is kept
// at millisecond precision so two attempts of the same class and subject by one
// student never collide.
func SessionID(classID, subjectID int, startTime time.Time) string {
	return fmt.Sprintf("exam_%d_%d_%d", classID, subjectID, startTime.UnixMilli())
}

// AttemptKey identifies one student's attempt. Classmates starting the same
// subject at the same instant share a SessionID, so everything stored or served
// per attempt is keyed by the pair.
type AttemptKey struct {
	StudentID int
	SessionID string
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%d/%s", k.StudentID, k.SessionID)
}
