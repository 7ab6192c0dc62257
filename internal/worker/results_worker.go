package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ResultWriter persists graded results.
type ResultWriter interface {
	Upsert(ctx context.Context, res *model.ExamResult) error
}

// ResultsWorker consumes persist_results_queue and UPSERTs results to PostgreSQL.
type ResultsWorker struct {
	writer     ResultWriter
	rdb        *redis.Client
	log        zerolog.Logger
	popTimeout time.Duration
	retryDelay time.Duration
}

// NewResultsWorker creates a new ResultsWorker.
func NewResultsWorker(writer ResultWriter, rdb *redis.Client, log zerolog.Logger) *ResultsWorker {
	return &ResultsWorker{
		writer:     writer,
		rdb:        rdb,
		log:        log.With().Str("component", "results_worker").Logger(),
		popTimeout: time.Second,
		retryDelay: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *ResultsWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ResultsWorker) processNext(ctx context.Context) {
	queue := config.WorkerKey.PersistResultsQueue

	result, err := w.rdb.BLPop(ctx, w.popTimeout, queue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleepCtx(ctx, w.popTimeout)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	res, err := decodeResult(result[1])
	if err != nil {
		// Poison message; retrying would loop forever.
		w.log.Error().Err(err).Msg("Unmarshal error, dropping item")
		return
	}

	if err := w.writer.Upsert(ctx, res); err != nil {
		w.log.Error().Err(err).
			Str("session_id", res.SessionID).
			Int("student_id", res.StudentID).
			Dur("retry_in", w.retryDelay).
			Msg("Persist error, re-queueing")
		w.rdb.RPush(context.WithoutCancel(ctx), queue, result[1])
		sleepCtx(ctx, w.retryDelay)
		return
	}

	w.log.Debug().Str("session_id", res.SessionID).Msg("Result persisted")
}

// drain processes all remaining items in the queue before shutdown.
func (w *ResultsWorker) drain(ctx context.Context) {
	queue := config.WorkerKey.PersistResultsQueue
	drained := 0

	for {
		raw, err := w.rdb.LPop(ctx, queue).Result()
		if err != nil {
			break
		}

		res, err := decodeResult(raw)
		if err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.writer.Upsert(ctx, res); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, queue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func decodeResult(raw string) (*model.ExamResult, error) {
	var res model.ExamResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	if res.SessionID == "" {
		return nil, errors.New("result without session_id")
	}
	return &res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
