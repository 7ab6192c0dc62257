package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/validator"
)

// multipartOverhead is the allowance for form boundaries and headers on top
// of the evidence size limit.
const multipartOverhead = 64 * 1024

// SessionHandler handles the student's exam session endpoints.
type SessionHandler struct {
	sessionService  *service.ExamSessionService
	evidenceService *service.EvidenceService
	resultService   *service.ResultService
	maxUploadBytes  int64
	log             zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessionService *service.ExamSessionService,
	evidenceService *service.EvidenceService,
	resultService *service.ResultService,
	maxUploadBytes int64,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessionService:  sessionService,
		evidenceService: evidenceService,
		resultService:   resultService,
		maxUploadBytes:  maxUploadBytes,
		log:             log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/student/sessions
// Starts an exam attempt, or resumes it when start_time names an earlier one.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	m, err := h.sessionService.Start(c.Request.Context(), claims.UserID, claims.ClassID, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, m.State())
}

// GetSession godoc
// GET /api/v1/student/sessions/:session_id
// Returns the live state of a session.
func (h *SessionHandler) GetSession(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, m.State())
}

// CloseSession godoc
// DELETE /api/v1/student/sessions/:session_id
// Stops the session clock and saves progress. The attempt can be resumed later.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.sessionService.Close(c.Request.Context(), c.Param("session_id"), claims.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Navigate godoc
// POST /api/v1/student/sessions/:session_id/navigate
// Switches the active question.
func (h *SessionHandler) Navigate(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := m.Navigate(*req.Index); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, m.State())
}

// ToggleFlag godoc
// POST /api/v1/student/sessions/:session_id/questions/:index/flag
// Marks or unmarks a question for review.
func (h *SessionHandler) ToggleFlag(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	index, ok := intParam(c, "index")
	if !ok {
		return
	}

	flagged, err := m.ToggleFlag(index)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"index": index, "flagged": flagged})
}

// UploadEvidence godoc
// POST /api/v1/student/sessions/:session_id/questions/:index/evidence
// Attaches a photo of the student's work (multipart field "file") to a question.
func (h *SessionHandler) UploadEvidence(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	index, ok := intParam(c, "index")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	defer file.Close()

	img, err := h.evidenceService.Load(file, header)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnsupportedFileType):
			response.Fail(c, http.StatusBadRequest, response.ErrUnsupportedFile)
		case errors.Is(err, service.ErrFileTooLarge):
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		case errors.Is(err, service.ErrEmptyFile):
			response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		default:
			h.log.Error().Err(err).Msg("Evidence read failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	stored, err := m.SelectAnswerEvidence(index, img)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, stored)
}

// RemoveEvidence godoc
// DELETE /api/v1/student/sessions/:session_id/questions/:index/evidence/:image_index
// Detaches one evidence image; the question reverts to unanswered when none are left.
func (h *SessionHandler) RemoveEvidence(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	imageIndex, ok := intParam(c, "image_index")
	if !ok {
		return
	}

	if err := m.RemoveEvidence(index, imageIndex); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, m.State().Questions[index])
}

// GetEvidence godoc
// GET /api/v1/student/sessions/:session_id/evidence/:image_id
// Serves the bytes of an attached evidence image (its preview URL).
func (h *SessionHandler) GetEvidence(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	imageID, err := uuid.Parse(c.Param("image_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	img, err := h.sessionService.Preview(c.Param("session_id"), claims.UserID, imageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

// Submit godoc
// POST /api/v1/student/sessions/:session_id/submit
// Sends all evidence to the grading API. A failed submission keeps the session
// so the student can retry or dismiss the error.
func (h *SessionHandler) Submit(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}

	result, err := h.sessionService.Submit(c.Request.Context(), m.ID(), m.StudentID())
	if err != nil {
		if errors.Is(err, examsession.ErrSubmissionFailed) {
			response.FailWithData(c, http.StatusBadGateway, response.ErrSubmissionFailed, m.State())
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// GetResult godoc
// GET /api/v1/student/sessions/:session_id/result
// Returns the graded result of a submitted session.
func (h *SessionHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	result, err := h.resultService.Get(c.Request.Context(), c.Param("session_id"), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// ─── helpers ────────────────────────────────────────────────────────

// session resolves the :session_id of the authenticated student, writing the
// error response itself when it cannot.
func (h *SessionHandler) session(c *gin.Context) (*examsession.Manager, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	m, err := h.sessionService.Get(c.Param("session_id"), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return m, true
}

func intParam(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return n, true
}

// fail maps session and result errors onto the API error taxonomy.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrClassMismatch):
		response.Fail(c, http.StatusForbidden, response.ErrClassMismatch)
	case errors.Is(err, service.ErrSessionCompleted):
		response.Fail(c, http.StatusConflict, response.ErrSessionCompleted)
	case errors.Is(err, service.ErrServiceShutdown):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
	case errors.Is(err, service.ErrResultNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrResultNotFound)
	case errors.Is(err, examsession.ErrNoQuestions):
		response.Fail(c, http.StatusBadRequest, response.ErrNoQuestions)
	case errors.Is(err, examsession.ErrQuestionOutOfRange):
		response.Fail(c, http.StatusBadRequest, response.ErrQuestionOutOfRange)
	case errors.Is(err, examsession.ErrEvidenceNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrEvidenceNotFound)
	case errors.Is(err, examsession.ErrSessionClosed):
		response.Fail(c, http.StatusConflict, response.ErrSessionClosed)
	case errors.Is(err, examsession.ErrSubmissionInProgress):
		response.Fail(c, http.StatusConflict, response.ErrSubmissionInProgress)
	case errors.Is(err, examsession.ErrSubmissionFailed):
		response.Fail(c, http.StatusBadGateway, response.ErrSubmissionFailed)
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled session error")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
