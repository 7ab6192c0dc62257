package examsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// DefaultPersistInterval is the wall-clock spacing of snapshot writes while ticking.
const DefaultPersistInterval = 5 * time.Second

// Deps wires a Manager to its collaborators. Store and Grader are required.
type Deps struct {
	Store           Store
	Grader          Grader
	Sink            ResultSink
	Previews        Previews
	Clock           Clock
	PersistInterval time.Duration
	Log             zerolog.Logger
	StudentID       int
}

// Manager tracks one student's progress through an exam under a global time budget.
//
// Time is counted in ticks: every Tick adds one second to the total and to the
// active question's pending counter. Navigation flushes the pending counter
// into the question's timer before switching, so time never leaks onto the
// next question. The Manager is the only writer of its snapshot.
type Manager struct {
	mu sync.Mutex

	id        string
	key       AttemptKey
	studentID int
	questions []model.Question
	metadata  model.SessionMetadata
	duration  int

	current int
	pending int
	elapsed int
	answers map[int]model.AnswerStatus
	timers  map[int]int
	flagged map[int]struct{}
	images  map[int][]model.EvidenceImage

	status   model.SessionStatus
	lastSave time.Time

	store           Store
	grader          Grader
	sink            ResultSink
	previews        Previews
	clock           Clock
	persistInterval time.Duration
	log             zerolog.Logger
}

// Initialize creates the manager of the attempt identified by
// (metadata.ClassID, metadata.SubjectID, startTime) and restores its saved
// progress if any. Unreadable or corrupt snapshots are logged and discarded.
func Initialize(
	ctx context.Context,
	deps Deps,
	questions []model.Question,
	settings model.ExamSettings,
	metadata model.SessionMetadata,
	startTime time.Time,
) (*Manager, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	if settings.DurationSeconds <= 0 {
		return nil, ErrInvalidDuration
	}
	if deps.Store == nil || deps.Grader == nil {
		return nil, errMissingDeps
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.PersistInterval <= 0 {
		deps.PersistInterval = DefaultPersistInterval
	}

	id := SessionID(metadata.ClassID, metadata.SubjectID, startTime)

	m := &Manager{
		id:              id,
		key:             AttemptKey{StudentID: deps.StudentID, SessionID: id},
		studentID:       deps.StudentID,
		questions:       append([]model.Question(nil), questions...),
		metadata:        metadata,
		duration:        settings.DurationSeconds,
		answers:         make(map[int]model.AnswerStatus),
		timers:          make(map[int]int),
		flagged:         make(map[int]struct{}),
		images:          make(map[int][]model.EvidenceImage),
		status:          model.SessionStatusActive,
		store:           deps.Store,
		grader:          deps.Grader,
		sink:            deps.Sink,
		previews:        deps.Previews,
		clock:           deps.Clock,
		persistInterval: deps.PersistInterval,
		log: deps.Log.With().
			Str("component", "exam_session").
			Str("session_id", id).
			Int("student_id", deps.StudentID).
			Logger(),
	}
	m.lastSave = m.clock.Now()

	m.load(ctx)
	return m, nil
}

func (m *Manager) load(ctx context.Context) {
	raw, err := m.store.Get(ctx, m.key)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			m.log.Debug().Msg("No saved progress, starting fresh")
		} else {
			m.log.Warn().Err(err).Msg("Snapshot read failed, starting fresh")
		}
		return
	}

	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		m.log.Warn().Err(err).Msg("Corrupt snapshot discarded, starting fresh")
		return
	}

	m.restore(&snap)
	m.log.Info().
		Int("current_question", m.current).
		Int("total_time_elapsed", m.elapsed).
		Int("answered", len(m.answers)).
		Msg("Progress restored")
}

// restore applies a snapshot, dropping anything outside the question range.
func (m *Manager) restore(snap *model.Snapshot) {
	n := len(m.questions)
	if snap.CurrentQuestionIndex >= 0 && snap.CurrentQuestionIndex < n {
		m.current = snap.CurrentQuestionIndex
	}
	for idx, status := range snap.Answers {
		if idx >= 0 && idx < n && status == model.AnswerEvidence {
			m.answers[idx] = model.AnswerEvidence
		}
	}
	for idx, secs := range snap.QuestionTimers {
		if idx >= 0 && idx < n && secs > 0 {
			m.timers[idx] = secs
		}
	}
	for _, idx := range snap.FlaggedQuestions {
		if idx >= 0 && idx < n {
			m.flagged[idx] = struct{}{}
		}
	}

	m.elapsed = min(max(snap.TotalTimeElapsed, 0), m.duration)
	if m.elapsed >= m.duration {
		m.status = model.SessionStatusExpired
	}
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.id }

// Key returns the attempt key the session is stored under.
func (m *Manager) Key() AttemptKey { return m.key }

// StudentID returns the owner of the session.
func (m *Manager) StudentID() int { return m.studentID }

// Status returns the current lifecycle status.
func (m *Manager) Status() model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Tick advances the exam clock by one second. When the budget is exhausted the
// session expires and is auto-submitted; later ticks return ErrSessionClosed.
// Ticks arriving while a submission is in flight are dropped.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case model.SessionStatusSubmitting:
		m.mu.Unlock()
		return nil
	case model.SessionStatusExpired, model.SessionStatusCompleted:
		m.mu.Unlock()
		return ErrSessionClosed
	}

	m.elapsed++
	m.pending++

	now := m.clock.Now()
	expired := m.elapsed >= m.duration
	if expired {
		m.status = model.SessionStatusExpired
		m.flushLocked()
		m.log.Info().Int("total_time_elapsed", m.elapsed).Msg("Time budget exhausted")
	}
	if expired || now.Sub(m.lastSave) >= m.persistInterval {
		if err := m.persistLocked(ctx, now); err != nil {
			m.log.Warn().Err(err).Msg("Periodic save failed, continuing unpersisted")
		}
	}
	m.mu.Unlock()

	if expired {
		if _, err := m.AutoSubmit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Navigate finalizes the time spent on the active question and switches to target.
func (m *Manager) Navigate(target int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mutableLocked(); err != nil {
		return err
	}
	if err := m.checkIndexLocked(target); err != nil {
		return err
	}

	m.flushLocked()
	m.current = target
	return nil
}

// SelectAnswerEvidence attaches an image to a question and marks it answered.
// The stored copy, with its ID and preview URL filled in, is returned.
func (m *Manager) SelectAnswerEvidence(index int, img model.EvidenceImage) (model.EvidenceImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mutableLocked(); err != nil {
		return model.EvidenceImage{}, err
	}
	if err := m.checkIndexLocked(index); err != nil {
		return model.EvidenceImage{}, err
	}

	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.Size == 0 {
		img.Size = int64(len(img.Data))
	}
	if img.AttachedAt.IsZero() {
		img.AttachedAt = m.clock.Now()
	}
	if m.previews != nil {
		img.PreviewURL = m.previews.Create(m.key, img)
	}

	m.images[index] = append(m.images[index], img)
	m.answers[index] = model.AnswerEvidence
	return img, nil
}

// RemoveEvidence detaches one image and releases its preview. Removing the
// last image reverts the question to unanswered.
func (m *Manager) RemoveEvidence(index, imageIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mutableLocked(); err != nil {
		return err
	}
	if err := m.checkIndexLocked(index); err != nil {
		return err
	}

	list := m.images[index]
	if imageIndex < 0 || imageIndex >= len(list) {
		return ErrEvidenceNotFound
	}

	if m.previews != nil {
		m.previews.Release(list[imageIndex].PreviewURL)
	}

	rest := make([]model.EvidenceImage, 0, len(list)-1)
	rest = append(rest, list[:imageIndex]...)
	rest = append(rest, list[imageIndex+1:]...)

	if len(rest) == 0 {
		delete(m.images, index)
		delete(m.answers, index)
		return nil
	}
	m.images[index] = rest
	return nil
}

// ToggleFlag marks or unmarks a question for review and reports the new state.
func (m *Manager) ToggleFlag(index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mutableLocked(); err != nil {
		return false, err
	}
	if err := m.checkIndexLocked(index); err != nil {
		return false, err
	}

	if _, ok := m.flagged[index]; ok {
		delete(m.flagged, index)
		return false, nil
	}
	m.flagged[index] = struct{}{}
	return true, nil
}

// BuildSubmission finalizes the active question's time and assembles the grading payload.
func (m *Manager) BuildSubmission() (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == model.SessionStatusCompleted {
		return nil, ErrSessionClosed
	}
	m.flushLocked()
	return m.submissionLocked(m.status == model.SessionStatusExpired), nil
}

// Submit is the student's voluntary submission. On failure the session stays
// intact (timers included) so the student can retry.
func (m *Manager) Submit(ctx context.Context) (*model.ExamResult, error) {
	return m.submit(ctx, false)
}

// AutoSubmit is the forced submission on timeout; the result is marked time-expired.
func (m *Manager) AutoSubmit(ctx context.Context) (*model.ExamResult, error) {
	return m.submit(ctx, true)
}

func (m *Manager) submit(ctx context.Context, forced bool) (*model.ExamResult, error) {
	m.mu.Lock()
	switch m.status {
	case model.SessionStatusCompleted:
		m.mu.Unlock()
		return nil, ErrSessionClosed
	case model.SessionStatusSubmitting:
		m.mu.Unlock()
		return nil, ErrSubmissionInProgress
	}

	if forced {
		m.status = model.SessionStatusExpired
	}
	previous := m.status

	m.flushLocked()
	sub := m.submissionLocked(previous == model.SessionStatusExpired)
	m.status = model.SessionStatusSubmitting
	m.mu.Unlock()

	m.log.Info().
		Bool("time_expired", sub.TimeExpired).
		Int("files", len(sub.Files)).
		Msg("Submitting exam for grading")

	resp, err := m.grader.Grade(ctx, sub)
	if err == nil && (resp == nil || resp.Results == nil) {
		err = ErrInvalidGradingResponse
	}

	m.mu.Lock()
	if err != nil {
		m.status = previous
		m.mu.Unlock()
		m.log.Error().Err(err).Bool("time_expired", sub.TimeExpired).Msg("Submission failed")
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	result := &model.ExamResult{
		SessionID:        m.id,
		StudentID:        m.studentID,
		Metadata:         m.metadata,
		QuestionTimers:   sub.QuestionTimers,
		TotalTimeElapsed: sub.TotalTimeElapsed,
		TimeExpired:      sub.TimeExpired,
		SubmittedAt:      m.clock.Now(),
	}
	result.Results, result.Summary = evaluate(sub, m.answers, m.flagged, resp)

	m.status = model.SessionStatusCompleted
	if err := m.store.Remove(ctx, m.key); err != nil {
		m.log.Warn().Err(err).Msg("Snapshot removal failed")
	}
	m.releaseAllLocked()
	m.mu.Unlock()

	m.log.Info().
		Int("correct", result.Summary.Correct).
		Int("incorrect", result.Summary.Incorrect).
		Int("unanswered", result.Summary.Unanswered).
		Float64("score", result.Summary.TotalScore).
		Msg("Exam graded")

	if m.sink != nil {
		if err := m.sink.Deliver(ctx, result); err != nil {
			m.log.Error().Err(err).Msg("Result handoff failed")
		}
	}
	return result, nil
}

// Save writes the snapshot immediately, bypassing the throttle.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == model.SessionStatusCompleted {
		return nil
	}
	return m.persistLocked(ctx, m.clock.Now())
}

// Release drops all evidence images and their previews. The answer markers
// stay, so a resumed session still reports the questions as answered.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked()
}

// Snapshot returns the persisted form of the current progress.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.lastSave)
}

// State returns a read-only view of the session.
func (m *Manager) State() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	timers := m.mergedTimersLocked()
	st := model.SessionState{
		SessionID:            m.id,
		Status:               m.status,
		Metadata:             m.metadata,
		CurrentQuestionIndex: m.current,
		TotalTimeElapsed:     m.elapsed,
		DurationSeconds:      m.duration,
		RemainingSeconds:     m.duration - m.elapsed,
		Questions:            make([]model.QuestionState, len(m.questions)),
		AnsweredCount:        len(m.answers),
		FlaggedCount:         len(m.flagged),
	}
	for i := range m.questions {
		_, flagged := m.flagged[i]
		qs := model.QuestionState{
			Index:          i,
			Status:         model.AnswerUnanswered,
			Flagged:        flagged,
			Current:        i == m.current,
			ElapsedSeconds: timers[i],
			Evidence:       append([]model.EvidenceImage{}, m.images[i]...),
		}
		if m.answers[i] == model.AnswerEvidence {
			qs.Status = model.AnswerEvidence
		}
		st.Questions[i] = qs
	}
	return st
}

// ─── internals (m.mu held) ──────────────────────────────────────────

func (m *Manager) mutableLocked() error {
	switch m.status {
	case model.SessionStatusSubmitting:
		return ErrSubmissionInProgress
	case model.SessionStatusExpired, model.SessionStatusCompleted:
		return ErrSessionClosed
	}
	return nil
}

func (m *Manager) checkIndexLocked(index int) error {
	if index < 0 || index >= len(m.questions) {
		return fmt.Errorf("%w: %d (questions: %d)", ErrQuestionOutOfRange, index, len(m.questions))
	}
	return nil
}

// flushLocked moves the active question's pending seconds into its timer.
func (m *Manager) flushLocked() {
	if m.pending > 0 {
		m.timers[m.current] += m.pending
		m.pending = 0
	}
}

func (m *Manager) mergedTimersLocked() map[int]int {
	out := make(map[int]int, len(m.timers)+1)
	for k, v := range m.timers {
		out[k] = v
	}
	if m.pending > 0 {
		out[m.current] += m.pending
	}
	return out
}

func (m *Manager) submissionLocked(timeExpired bool) *model.Submission {
	sub := &model.Submission{
		SessionID:        m.id,
		Metadata:         m.metadata,
		Questions:        append([]model.Question(nil), m.questions...),
		QuestionTimers:   m.mergedTimersLocked(),
		TotalTimeElapsed: m.elapsed,
		TimeExpired:      timeExpired,
	}
	for i := range m.questions {
		sub.Files = append(sub.Files, m.images[i]...)
	}
	return sub
}

func (m *Manager) snapshotLocked(now time.Time) model.Snapshot {
	answers := make(map[int]model.AnswerStatus, len(m.answers))
	for k, v := range m.answers {
		answers[k] = v
	}
	flagged := make([]int, 0, len(m.flagged))
	for idx := range m.flagged {
		flagged = append(flagged, idx)
	}
	sort.Ints(flagged)

	return model.Snapshot{
		CurrentQuestionIndex: m.current,
		Answers:              answers,
		QuestionTimers:       m.mergedTimersLocked(),
		FlaggedQuestions:     flagged,
		TotalTimeElapsed:     m.elapsed,
		LastSaveTimestamp:    now.UnixMilli(),
	}
}

func (m *Manager) persistLocked(ctx context.Context, now time.Time) error {
	snap := m.snapshotLocked(now)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.store.Set(ctx, m.key, raw); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	m.lastSave = now
	return nil
}

func (m *Manager) releaseAllLocked() {
	for idx, list := range m.images {
		if m.previews != nil {
			for _, img := range list {
				m.previews.Release(img.PreviewURL)
			}
		}
		delete(m.images, idx)
	}
}
