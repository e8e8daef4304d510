package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType names the proctoring rule that was breached.
type ViolationType string

const (
	ViolationWebcamDisabled ViolationType = "webcam_disabled"
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationTabSwitch      ViolationType = "tab_switch"
)

// ViolationTypes lists every known violation type in a stable order.
var ViolationTypes = []ViolationType{
	ViolationWebcamDisabled,
	ViolationFullscreenExit,
	ViolationTabSwitch,
}

// ViolationEvent is one ledger entry. Events are appended when raised and
// later flagged resolved; they are never removed.
type ViolationEvent struct {
	Type      ViolationType `json:"type" binding:"required,oneof=webcam_disabled fullscreen_exit tab_switch"`
	Timestamp time.Time     `json:"timestamp" binding:"required"`
	Resolved  bool          `json:"resolved"`
}

// ViolationBatchRequest flushes a slice of the client ledger to the server.
type ViolationBatchRequest struct {
	Events []ViolationEvent `json:"events" binding:"required,min=1,max=500,dive"`
}

// ViolationRecord is a persisted ledger entry.
type ViolationRecord struct {
	ID         int64         `json:"id"`
	AttemptID  uuid.UUID     `json:"exam_attempt_id"`
	Type       ViolationType `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Resolved   bool          `json:"resolved"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ProctorSettings tells the exam client how to escalate violations, so that
// every client of one deployment applies the same window and policy.
type ProctorSettings struct {
	WarningSeconds  int    `json:"warning_seconds"`
	PollMillis      int    `json:"poll_ms"`
	ReconnectMillis int    `json:"reconnect_delay_ms"`
	ViolationPolicy string `json:"violation_policy"`
}
