package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ProctorRecorder is the part of the attempt service the live stream uses.
type ProctorRecorder interface {
	RecordViolations(ctx context.Context, studentID int, attemptID uuid.UUID, events []model.ViolationEvent) (int, error)
	Terminate(ctx context.Context, studentID int, attemptID uuid.UUID, inputs []model.AnswerInput, reason model.ViolationType) (*model.FinalResult, error)
}

// ProctorWSHandler streams proctoring events from the exam client.
type ProctorWSHandler struct {
	attempts ProctorRecorder
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewProctorWSHandler creates a new ProctorWSHandler.
func NewProctorWSHandler(attempts ProctorRecorder, log zerolog.Logger, allowedOrigins []string) *ProctorWSHandler {
	return &ProctorWSHandler{
		attempts: attempts,
		log:      log.With().Str("component", "proctor_ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ProctorStream godoc
// WS /ws/v1/student/attempts/:id/proctor?token=...
// Accepts violation, terminate and ping actions for one attempt.
func (h *ProctorWSHandler) ProctorStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Proctor stream connected")

	for {
		action, raw, err := ws.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ws.ErrMalformedFrame) {
				ws.WriteError(conn, string(response.ErrInvalidPayload), "malformed frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch action {
		case ws.ActionViolation:
			h.handleViolation(c.Request.Context(), conn, wsLog, studentID, attemptID, raw)
		case ws.ActionTerminate:
			if h.handleTerminate(c.Request.Context(), conn, wsLog, studentID, attemptID, raw) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminated"),
					time.Now().Add(time.Second))
				return
			}
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(action))
		}
	}
}

func (h *ProctorWSHandler) handleViolation(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, studentID int, attemptID uuid.UUID, raw []byte) {
	var req ws.ViolationRequest
	if err := json.Unmarshal(raw, &req); err != nil || !knownViolation(req.Type) || req.Timestamp <= 0 {
		ws.WriteError(conn, string(response.ErrValidation), "type and ts_ms are required")
		return
	}

	event := model.ViolationEvent{
		Type:      req.Type,
		Timestamp: time.UnixMilli(req.Timestamp).UTC(),
		Resolved:  req.Resolved,
	}
	accepted, err := h.attempts.RecordViolations(ctx, studentID, attemptID, []model.ViolationEvent{event})
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}

	ws.WriteTyped(conn, ws.AckResponse{Event: ws.EventAck, Accepted: accepted})
}

// handleTerminate reports whether the attempt is now closed.
func (h *ProctorWSHandler) handleTerminate(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, studentID int, attemptID uuid.UUID, raw []byte) bool {
	var req ws.TerminateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		ws.WriteError(conn, string(response.ErrValidation), "invalid terminate payload")
		return false
	}

	result, err := h.attempts.Terminate(ctx, studentID, attemptID, req.Answers, req.Reason)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return false
	}

	wsLog.Info().Str("reason", string(req.Reason)).Msg("Attempt terminated over proctor stream")
	ws.WriteTyped(conn, ws.TerminatedResponse{
		Event:  ws.EventTerminated,
		Score:  result.Score,
		Result: result.Result,
	})
	return true
}

func (h *ProctorWSHandler) writeServiceError(conn *websocket.Conn, wsLog zerolog.Logger, err error) {
	status, code := response.Classify(err)
	if status >= http.StatusInternalServerError {
		wsLog.Error().Err(err).Msg("Proctor stream request failed")
	}
	ws.WriteError(conn, string(code), response.GetMessage(code))
}

func knownViolation(t model.ViolationType) bool {
	for _, v := range model.ViolationTypes {
		if v == t {
			return true
		}
	}
	return false
}
