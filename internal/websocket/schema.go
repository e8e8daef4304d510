package websocket

import "github.com/stemsi/exstem-proctor/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionViolation Action = "violation"
	ActionTerminate Action = "terminate"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ViolationRequest reports one ledger entry as it happens or resolves.
type ViolationRequest struct {
	Action    Action              `json:"action"`
	Type      model.ViolationType `json:"type"`
	Timestamp int64               `json:"ts_ms"`
	Resolved  bool                `json:"resolved"`
}

// TerminateRequest force-closes the attempt with the final answer batch.
type TerminateRequest struct {
	Action  Action              `json:"action"`
	Reason  model.ViolationType `json:"reason"`
	Answers []model.AnswerInput `json:"answers"`
}

// PingRequest keeps the stream alive.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError      Event = "error"
	EventAck        Event = "ack"
	EventTerminated Event = "terminated"
	EventPong       Event = "pong"
)

// ResponseEnvelope is used to peek at the event before full parsing.
type ResponseEnvelope struct {
	Event Event `json:"event"`
}

type AckResponse struct {
	Event    Event `json:"event"`
	Accepted int   `json:"accepted"`
}

type TerminatedResponse struct {
	Event  Event               `json:"event"`
	Score  int                 `json:"score"`
	Result model.AttemptResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
