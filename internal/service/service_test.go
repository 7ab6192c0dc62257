package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:       "test-secret",
		JWTExpiry:       time.Hour,
		BcryptCost:      4,
		MaxUploadBytes:  1024,
		TickInterval:    time.Second,
		PersistInterval: 5 * time.Second,
		ResultTTL:       time.Hour,
	}
}

// memStore is an in-memory examsession.Store.
type memStore struct {
	mu   sync.Mutex
	data map[examsession.AttemptKey][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[examsession.AttemptKey][]byte)}
}

func (s *memStore) Get(_ context.Context, key examsession.AttemptKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, examsession.ErrSnapshotNotFound
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key examsession.AttemptKey, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Remove(_ context.Context, key examsession.AttemptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) has(key examsession.AttemptKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

type stubGrader struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *stubGrader) Grade(_ context.Context, sub *model.Submission) (*model.GradingResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	resp := &model.GradingResponse{Results: []model.GradedQuestion{}}
	for i := range sub.Questions {
		resp.Results = append(resp.Results, model.GradedQuestion{QuestionIndex: i, IsCorrect: true, Score: 1, MaxScore: 1})
	}
	return resp, nil
}

type sinkFunc func(ctx context.Context, res *model.ExamResult) error

func (f sinkFunc) Deliver(ctx context.Context, res *model.ExamResult) error { return f(ctx, res) }

// stillClock never ticks; tests drive managers directly.
type stillClock struct{ now time.Time }

func (c stillClock) Now() time.Time { return c.now }

func (c stillClock) NewTicker(time.Duration) examsession.Ticker { return stillTicker{} }

type stillTicker struct{}

func (stillTicker) C() <-chan time.Time { return nil }
func (stillTicker) Stop()               {}
