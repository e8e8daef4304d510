package attemptclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// ErrStreamClosed is returned once the proctor stream has been closed by
// either side.
var ErrStreamClosed = errors.New("attemptclient: proctor stream closed")

const defaultReplyWait = 10 * time.Second

// ProctorStream is a live proctoring channel for one attempt. Requests are
// answered in order, so calls are serialized.
type ProctorStream struct {
	conn      *websocket.Conn
	attemptID uuid.UUID
	log       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// DialProctor opens the proctor stream of attemptID. baseURL is the same
// http(s) base the Client uses.
func DialProctor(ctx context.Context, baseURL string, attemptID uuid.UUID, token string, log zerolog.Logger) (*ProctorStream, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/v1/student/attempts/" + attemptID.String() + "/proctor"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial proctor stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial proctor stream: %w", err)
	}

	return &ProctorStream{
		conn:      conn,
		attemptID: attemptID,
		log:       log.With().Str("component", "proctor_stream").Str("attempt_id", attemptID.String()).Logger(),
	}, nil
}

// ReportViolations sends each event and waits for its acknowledgement.
func (s *ProctorStream) ReportViolations(ctx context.Context, attemptID uuid.UUID, events []model.ViolationEvent) (int, error) {
	if err := s.checkAttempt(attemptID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := 0
	for _, ev := range events {
		req := ws.ViolationRequest{
			Action:    ws.ActionViolation,
			Type:      ev.Type,
			Timestamp: ev.Timestamp.UnixMilli(),
			Resolved:  ev.Resolved,
		}
		raw, err := s.roundTrip(ctx, req)
		if err != nil {
			return accepted, err
		}
		var ack ws.AckResponse
		if err := json.Unmarshal(raw, &ack); err != nil {
			return accepted, err
		}
		accepted += ack.Accepted
	}
	return accepted, nil
}

// Terminate cancels the attempt. The server closes the stream afterwards.
func (s *ProctorStream) Terminate(ctx context.Context, attemptID uuid.UUID, req model.TerminateRequest) (*model.FinalResult, error) {
	if err := s.checkAttempt(attemptID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.roundTrip(ctx, ws.TerminateRequest{
		Action:  ws.ActionTerminate,
		Reason:  req.Reason,
		Answers: req.Answers,
	})
	if err != nil {
		return nil, err
	}
	var res ws.TerminatedResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	s.closeLocked()
	return &model.FinalResult{Score: res.Score, Result: res.Result}, nil
}

// Ping checks that the server is still answering.
func (s *ProctorStream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.roundTrip(ctx, ws.PingRequest{Action: ws.ActionPing})
	return err
}

// Close sends a normal close frame and releases the connection.
func (s *ProctorStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *ProctorStream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *ProctorStream) checkAttempt(attemptID uuid.UUID) error {
	if attemptID != s.attemptID {
		return fmt.Errorf("attemptclient: stream is bound to attempt %s", s.attemptID)
	}
	return nil
}

// roundTrip writes one request and reads its reply. Caller holds s.mu.
func (s *ProctorStream) roundTrip(ctx context.Context, v interface{}) (json.RawMessage, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultReplyWait)
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(v); err != nil {
		return nil, s.fail(err)
	}

	s.conn.SetReadDeadline(deadline)
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.fail(err)
	}

	var env ws.ResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode proctor reply: %w", err)
	}
	if env.Event == ws.EventError {
		var e ws.ErrorResponse
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return nil, &APIError{Status: statusForCode(response.ErrCode(e.Code)), Code: response.ErrCode(e.Code), Message: e.Error}
	}
	return raw, nil
}

// fail marks the stream closed after a transport error.
func (s *ProctorStream) fail(err error) error {
	s.closed = true
	s.conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrStreamClosed
	}
	s.log.Warn().Err(err).Msg("Proctor stream failed")
	return err
}

// statusForCode recovers the HTTP status the server would have used for code.
func statusForCode(code response.ErrCode) int {
	switch code {
	case response.ErrNotFound, response.ErrAttemptNotFound, response.ErrExamNotFound,
		response.ErrStudentNotFound, response.ErrQuestionNotFound, response.ErrNoQuestions:
		return http.StatusNotFound
	case response.ErrTokenInvalid, response.ErrTokenExpired, response.ErrTokenRequired,
		response.ErrSessionInvalidated, response.ErrInvalidCode:
		return http.StatusUnauthorized
	case response.ErrConflict, response.ErrExamClosed, response.ErrExamNotOpen, response.ErrNotEnrolled,
		response.ErrNotInProgress, response.ErrAlreadySubmitted, response.ErrConcurrentWrite:
		return http.StatusConflict
	case response.ErrValidation, response.ErrInvalidPayload, response.ErrEmptyBatch,
		response.ErrInvalidOption, response.ErrInvalidID:
		return http.StatusBadRequest
	case response.ErrDeviceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
