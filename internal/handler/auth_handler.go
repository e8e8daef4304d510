package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ExamLoginer authenticates a student into one exam.
type ExamLoginer interface {
	Login(ctx context.Context, examID uuid.UUID, email, code string) (*model.LoginResponse, error)
}

// SessionManager refreshes and ends student sessions.
type SessionManager interface {
	Refresh(ctx context.Context, refreshToken string) (*model.SessionTokens, error)
	ResetStudentSession(ctx context.Context, studentID int) error
}

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	attempts ExamLoginer
	sessions SessionManager
	proctor  model.ProctorSettings
	log      zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(attempts ExamLoginer, sessions SessionManager, proctor config.ProctorConfig, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		attempts: attempts,
		sessions: sessions,
		proctor: model.ProctorSettings{
			WarningSeconds:  int(proctor.WarningWindow / time.Second),
			PollMillis:      int(proctor.PollInterval / time.Millisecond),
			ReconnectMillis: int(proctor.ReconnectDelay / time.Millisecond),
			ViolationPolicy: proctor.ViolationPolicy,
		},
		log: log.With().Str("component", "auth_handler").Logger(),
	}
}

// Login godoc
// POST /api/v1/auth/login
// Validates email + exam code for one exam, returns the attempt id and session tokens.
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	examID, err := uuid.Parse(req.ExamID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.attempts.Login(c.Request.Context(), examID, req.Email, req.ExamCode)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	settings := h.proctor
	res.Proctor = &settings
	response.Success(c, http.StatusOK, res)
}

// Refresh godoc
// POST /api/v1/auth/refresh
// Exchanges a refresh token for a new token pair.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req model.RefreshRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	tokens, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session_tokens": tokens})
}

// Logout godoc
// POST /api/v1/auth/logout
// Clears the student's single-device session.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.sessions.ResetStudentSession(c.Request.Context(), claims.UserID); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// failWith writes the envelope for err and logs anything that is not a
// classified client error.
func failWith(c *gin.Context, log zerolog.Logger, err error) {
	if status := response.FromError(c, err); status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
}
