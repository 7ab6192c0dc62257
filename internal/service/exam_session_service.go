package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// Exam session errors.
var (
	ErrSessionNotFound  = errors.New("exam session not found")
	ErrSessionCompleted = errors.New("exam session already submitted")
	ErrClassMismatch    = errors.New("exam does not belong to the student's class")
	ErrServiceShutdown  = errors.New("session service is shutting down")
)

// CompletionChecker reports whether a session already has a graded result.
type CompletionChecker interface {
	Exists(ctx context.Context, sessionID string, studentID int) (bool, error)
}

// PreviewRegistry serves evidence previews and releases them.
type PreviewRegistry interface {
	examsession.Previews
	Lookup(key examsession.AttemptKey, id uuid.UUID) (model.EvidenceImage, bool)
}

type liveSession struct {
	m      *examsession.Manager
	cancel context.CancelFunc
	done   chan struct{}
}

// ExamSessionService keeps the live exam sessions of this process and drives
// their clocks. Sessions are keyed by attempt, so classmates who share a
// session id never see each other's progress.
type ExamSessionService struct {
	store     examsession.Store
	grader    examsession.Grader
	sink      examsession.ResultSink
	previews  PreviewRegistry
	completed CompletionChecker
	cfg       *config.Config
	clock     examsession.Clock
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[examsession.AttemptKey]*liveSession
	closing  bool
	wg       sync.WaitGroup
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	store examsession.Store,
	grader examsession.Grader,
	sink examsession.ResultSink,
	previews PreviewRegistry,
	completed CompletionChecker,
	cfg *config.Config,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		store:     store,
		grader:    grader,
		sink:      sink,
		previews:  previews,
		completed: completed,
		cfg:       cfg,
		clock:     examsession.RealClock{},
		log:       log.With().Str("component", "exam_session_service").Logger(),
		sessions:  make(map[examsession.AttemptKey]*liveSession),
	}
}

// Start opens the attempt described by req for a student, or returns the live
// one when the same attempt (same class, subject and start time) is resumed.
func (s *ExamSessionService) Start(ctx context.Context, studentID, classID int, req model.StartSessionRequest) (*examsession.Manager, error) {
	if len(req.Questions) == 0 {
		return nil, examsession.ErrNoQuestions
	}
	if req.Metadata.ClassID != classID {
		return nil, ErrClassMismatch
	}

	startTime := s.clock.Now().Truncate(time.Millisecond)
	if req.StartTime != nil {
		startTime = *req.StartTime
	}
	id := examsession.SessionID(req.Metadata.ClassID, req.Metadata.SubjectID, startTime)
	key := examsession.AttemptKey{StudentID: studentID, SessionID: id}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrServiceShutdown
	}
	if live, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return live.m, nil
	}
	s.mu.Unlock()

	// The completion check and snapshot read hit Redis or PostgreSQL; other
	// students must not wait on them.
	if s.completed != nil {
		done, err := s.completed.Exists(ctx, id, studentID)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("Completion check failed")
		}
		if done {
			return nil, ErrSessionCompleted
		}
	}

	m, err := examsession.Initialize(ctx,
		examsession.Deps{
			Store:           s.store,
			Grader:          s.grader,
			Sink:            s.sink,
			Previews:        s.previews,
			Clock:           s.clock,
			PersistInterval: s.cfg.PersistInterval,
			Log:             s.log,
			StudentID:       studentID,
		},
		req.Questions,
		model.ExamSettings{DurationSeconds: req.DurationMinutes * 60},
		req.Metadata,
		startTime,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize session: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		m.Release()
		return nil, ErrServiceShutdown
	}
	if live, ok := s.sessions[key]; ok {
		// A concurrent Start of the same attempt got there first.
		s.mu.Unlock()
		m.Release()
		return live.m, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	live := &liveSession{m: m, cancel: cancel, done: make(chan struct{})}
	s.sessions[key] = live

	s.wg.Add(1)
	go s.drive(runCtx, live)
	s.mu.Unlock()

	s.log.Info().
		Str("session_id", id).
		Int("student_id", studentID).
		Int("questions", len(req.Questions)).
		Str("status", string(m.Status())).
		Msg("Exam session started")
	return m, nil
}

// drive runs the session clock. A session restored with its budget already
// spent is auto-submitted straight away.
func (s *ExamSessionService) drive(ctx context.Context, live *liveSession) {
	defer s.wg.Done()
	defer close(live.done)

	if live.m.Status() == model.SessionStatusExpired {
		if _, err := live.m.AutoSubmit(ctx); err != nil {
			s.log.Error().Err(err).Str("session_id", live.m.ID()).Msg("Auto-submit on resume failed")
		}
	} else {
		examsession.Run(ctx, live.m, s.clock, s.cfg.TickInterval, s.log)
	}

	if live.m.Status() == model.SessionStatusCompleted {
		s.evict(live)
	}
}

// Get returns studentID's live session sessionID.
func (s *ExamSessionService) Get(sessionID string, studentID int) (*examsession.Manager, error) {
	live := s.lookup(sessionID, studentID)
	if live == nil {
		return nil, ErrSessionNotFound
	}
	return live.m, nil
}

func (s *ExamSessionService) lookup(sessionID string, studentID int) *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[examsession.AttemptKey{StudentID: studentID, SessionID: sessionID}]
}

// Submit grades the session on the student's request. A failed submission
// leaves the session live so it can be retried.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID string, studentID int) (*model.ExamResult, error) {
	m, err := s.Get(sessionID, studentID)
	if err != nil {
		return nil, err
	}

	result, err := m.Submit(ctx)
	if err != nil {
		return nil, err
	}

	if live := s.lookup(sessionID, studentID); live != nil {
		live.cancel()
		s.evict(live)
	}
	return result, nil
}

// Preview returns an evidence image of a session owned by studentID.
func (s *ExamSessionService) Preview(sessionID string, studentID int, imageID uuid.UUID) (model.EvidenceImage, error) {
	m, err := s.Get(sessionID, studentID)
	if err != nil {
		return model.EvidenceImage{}, err
	}
	img, ok := s.previews.Lookup(m.Key(), imageID)
	if !ok {
		return model.EvidenceImage{}, examsession.ErrEvidenceNotFound
	}
	return img, nil
}

// Close stops the session clock, saves progress, and drops the session from
// memory. Evidence images are released; the snapshot lets the student resume.
func (s *ExamSessionService) Close(ctx context.Context, sessionID string, studentID int) error {
	live := s.lookup(sessionID, studentID)
	if live == nil {
		return ErrSessionNotFound
	}
	m := live.m

	live.cancel()
	<-live.done

	if err := m.Save(ctx); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Save on close failed")
	}
	m.Release()
	s.evict(live)

	s.log.Info().Str("session_id", sessionID).Int("student_id", studentID).Msg("Exam session closed")
	return nil
}

// Shutdown stops every session clock and saves all unfinished progress.
func (s *ExamSessionService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	lives := make([]*liveSession, 0, len(s.sessions))
	for _, live := range s.sessions {
		live.cancel()
		lives = append(lives, live)
	}
	s.mu.Unlock()

	s.wg.Wait()

	saved := 0
	for _, live := range lives {
		if err := live.m.Save(ctx); err != nil {
			s.log.Error().Err(err).Str("session_id", live.m.ID()).Msg("Save on shutdown failed")
			continue
		}
		saved++
	}
	s.log.Info().Int("saved", saved).Msg("Exam sessions saved")
}

// Len reports the number of live sessions.
func (s *ExamSessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *ExamSessionService) evict(live *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[live.m.Key()]; ok && cur == live {
		delete(s.sessions, live.m.Key())
	}
}
