package examsession

import (
	"context"
	"time"

	"github.com/stemsi/exstem-examtaker/internal/model"
)

// Store persists session snapshots by attempt. Get returns ErrSnapshotNotFound
// (possibly wrapped) when the key does not exist.
type Store interface {
	Get(ctx context.Context, key AttemptKey) ([]byte, error)
	Set(ctx context.Context, key AttemptKey, value []byte) error
	Remove(ctx context.Context, key AttemptKey) error
}

// Grader forwards a submission to the external grading API.
type Grader interface {
	Grade(ctx context.Context, sub *model.Submission) (*model.GradingResponse, error)
}

// ResultSink receives graded results for display.
type ResultSink interface {
	Deliver(ctx context.Context, result *model.ExamResult) error
}

// Previews hands out preview URLs for evidence images and releases them.
type Previews interface {
	Create(key AttemptKey, img model.EvidenceImage) string
	Release(url string)
}

// Clock abstracts wall-clock reads and ticker creation.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the Clock backed by package time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
