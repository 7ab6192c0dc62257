package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ExamResultRepository handles graded exam results.
type ExamResultRepository struct {
	pool *pgxpool.Pool
}

// NewExamResultRepository creates a new ExamResultRepository.
func NewExamResultRepository(pool *pgxpool.Pool) *ExamResultRepository {
	return &ExamResultRepository{pool: pool}
}

// Upsert stores a result. Re-queued deliveries of the same attempt overwrite
// the row; attempts are keyed by (student_id, session_id).
func (r *ExamResultRepository) Upsert(ctx context.Context, res *model.ExamResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_results
		   (session_id, student_id, class_id, subject_id, total_score, max_score,
		    correct, incorrect, unanswered, time_expired, payload, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (student_id, session_id) DO UPDATE
		 SET total_score = EXCLUDED.total_score,
		     max_score = EXCLUDED.max_score,
		     correct = EXCLUDED.correct,
		     incorrect = EXCLUDED.incorrect,
		     unanswered = EXCLUDED.unanswered,
		     time_expired = EXCLUDED.time_expired,
		     payload = EXCLUDED.payload,
		     submitted_at = EXCLUDED.submitted_at`,
		res.SessionID, res.StudentID, res.Metadata.ClassID, res.Metadata.SubjectID,
		res.Summary.TotalScore, res.Summary.MaxScore,
		res.Summary.Correct, res.Summary.Incorrect, res.Summary.Unanswered,
		res.TimeExpired, payload, res.SubmittedAt,
	)
	return err
}

// GetBySession returns the stored result of a session owned by studentID.
func (r *ExamResultRepository) GetBySession(ctx context.Context, sessionID string, studentID int) (*model.ExamResult, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM exam_results WHERE session_id = $1 AND student_id = $2`,
		sessionID, studentID,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}

	res := &model.ExamResult{}
	if err := json.Unmarshal(payload, res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return res, nil
}
