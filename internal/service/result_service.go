package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/model"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
)

// ErrResultNotFound is returned when a session has no graded result yet.
var ErrResultNotFound = errors.New("result not found")

// ResultPublisher is the hand-off point for graded results: it caches the
// result, notifies the student's live connections, and queues it for the
// results worker to persist.
type ResultPublisher struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewResultPublisher creates a new ResultPublisher.
func NewResultPublisher(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ResultPublisher {
	return &ResultPublisher{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "result_publisher").Logger(),
	}
}

// Deliver implements examsession.ResultSink.
func (p *ResultPublisher) Deliver(ctx context.Context, result *model.ExamResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	event, err := json.Marshal(ws.ResultEvent{
		Event:     ws.EventResult,
		SessionID: result.SessionID,
		Result:    result,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The grader call may have outlived the request; finish the hand-off regardless.
	ctx = context.WithoutCancel(ctx)

	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.SessionResultKey(result.StudentID, result.SessionID), payload, p.ttl)
	pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, payload)
	pipe.Publish(ctx, config.CacheKey.StudentEventsChannel(result.StudentID), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	p.log.Info().
		Str("session_id", result.SessionID).
		Int("student_id", result.StudentID).
		Msg("Result published")
	return nil
}

// ResultStore reads persisted results.
type ResultStore interface {
	GetBySession(ctx context.Context, sessionID string, studentID int) (*model.ExamResult, error)
}

// ResultService looks results up in Redis first and falls back to PostgreSQL.
type ResultService struct {
	rdb   *redis.Client
	store ResultStore
	ttl   time.Duration
	log   zerolog.Logger
}

// NewResultService creates a new ResultService.
func NewResultService(rdb *redis.Client, store ResultStore, ttl time.Duration, log zerolog.Logger) *ResultService {
	return &ResultService{
		rdb:   rdb,
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "result_service").Logger(),
	}
}

// Get returns studentID's graded result of sessionID.
func (s *ResultService) Get(ctx context.Context, sessionID string, studentID int) (*model.ExamResult, error) {
	key := config.CacheKey.SessionResultKey(studentID, sessionID)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res model.ExamResult
		if err := json.Unmarshal(raw, &res); err == nil {
			return &res, nil
		}
		s.log.Warn().Str("session_id", sessionID).Msg("Corrupt cached result, falling back to database")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Result cache read failed")
	}

	res, err := s.store.GetBySession(ctx, sessionID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}

	// Self-heal the cache.
	if payload, err := json.Marshal(res); err == nil {
		s.rdb.Set(ctx, key, payload, s.ttl)
	}
	return res, nil
}

// Exists reports whether the student's session already has a graded result.
func (s *ResultService) Exists(ctx context.Context, sessionID string, studentID int) (bool, error) {
	_, err := s.Get(ctx, sessionID, studentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrResultNotFound):
		return false, nil
	default:
		return false, err
	}
}
