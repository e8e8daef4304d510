package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptOperations is the attempt service surface used over HTTP.
type AttemptOperations interface {
	FetchQuestions(ctx context.Context, examID uuid.UUID, studentID int) (*model.QuestionSet, error)
	GetSummary(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.AttemptSummary, error)
	SaveAttempt(ctx context.Context, studentID int, attemptID uuid.UUID, inputs []model.AnswerInput, complete bool) (*model.SaveSummary, error)
	Finalize(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.FinalResult, error)
	Terminate(ctx context.Context, studentID int, attemptID uuid.UUID, inputs []model.AnswerInput, reason model.ViolationType) (*model.FinalResult, error)
	RecordViolations(ctx context.Context, studentID int, attemptID uuid.UUID, events []model.ViolationEvent) (int, error)
}

// AttemptHandler handles the student's exam attempt endpoints.
type AttemptHandler struct {
	attempts AttemptOperations
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptOperations, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetQuestions godoc
// GET /api/v1/student/exams/:exam_id/questions
// Returns the full question set in random order with saved selections overlaid.
func (h *AttemptHandler) GetQuestions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// The token is bound to the exam it was issued for.
	if examID.String() != claims.ExamID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	set, err := h.attempts.FetchQuestions(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, set)
}

// GetAttempt godoc
// GET /api/v1/student/attempts/:id
// Returns status, totals and remaining time so a reconnecting client can resume.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	summary, err := h.attempts.GetSummary(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, summary)
}

// SaveAnswers godoc
// POST /api/v1/student/attempts/:id/answers
// Replaces the attempt's answers. With "complete": true the attempt is also finalized.
func (h *AttemptHandler) SaveAnswers(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	var req model.SaveAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	summary, err := h.attempts.SaveAttempt(c.Request.Context(), claims.UserID, attemptID, req.Answers, req.Complete)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, summary)
}

// Finalize godoc
// POST /api/v1/student/attempts/:id/finalize
func (h *AttemptHandler) Finalize(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	result, err := h.attempts.Finalize(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// ReportViolations godoc
// POST /api/v1/student/attempts/:id/violations
// Appends a slice of the client's violation ledger.
func (h *AttemptHandler) ReportViolations(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	var req model.ViolationBatchRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	accepted, err := h.attempts.RecordViolations(c.Request.Context(), claims.UserID, attemptID, req.Events)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"accepted": accepted})
}

// Terminate godoc
// POST /api/v1/student/attempts/:id/terminate
// Cancels the attempt after an unresolved violation. Safe to repeat.
func (h *AttemptHandler) Terminate(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	var req model.TerminateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.attempts.Terminate(c.Request.Context(), claims.UserID, attemptID, req.Answers, req.Reason)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// attemptRequest extracts the caller's claims and the :id attempt parameter.
func attemptRequest(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}

	return claims, attemptID, true
}
