package examsession

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// Phase is the lifecycle position of an exam session.
type Phase string

const (
	PhaseUnauthenticated    Phase = "unauthenticated"
	PhasePermissionsPending Phase = "permissions_pending"
	PhasePrepared           Phase = "prepared"
	PhaseInProgress         Phase = "in_progress"
	PhaseSubmitted          Phase = "submitted"
	PhaseTerminated         Phase = "terminated"
)

// ErrInvalidPhase is returned when an action is not allowed in the current phase.
var ErrInvalidPhase = errors.New("examsession: action not allowed in this phase")

// ErrDevicesNotReady is wrapped into the device error returned by Begin.
var ErrDevicesNotReady = errors.New("examsession: camera and fullscreen must be active")

func phaseError(action string, p Phase) error {
	return fmt.Errorf("%w: %s during %s", ErrInvalidPhase, action, p)
}

// UnansweredError blocks an explicit submission until the student confirms.
type UnansweredError struct {
	Count int
}

func (e *UnansweredError) Error() string {
	return fmt.Sprintf("examsession: %d question(s) unanswered", e.Count)
}

// Capability is something the student must grant or acknowledge before the
// exam can be prepared.
type Capability string

const (
	CapabilityCamera         Capability = "camera"
	CapabilityFullscreen     Capability = "fullscreen"
	CapabilityMicrophone     Capability = "microphone"
	CapabilityTabSwitchAck   Capability = "tab_switch_policy"
	CapabilityBrowserWarning Capability = "browser_warning"
)

// RequiredCapabilities lists every capability in prompt order.
var RequiredCapabilities = []Capability{
	CapabilityCamera,
	CapabilityFullscreen,
	CapabilityMicrophone,
	CapabilityTabSwitchAck,
	CapabilityBrowserWarning,
}

// Permissions records what has been granted.
type Permissions struct {
	Camera            bool `json:"camera"`
	Fullscreen        bool `json:"fullscreen"`
	Microphone        bool `json:"microphone"`
	TabSwitchAck      bool `json:"tab_switch_policy"`
	BrowserWarningAck bool `json:"browser_warning"`
}

func (p *Permissions) grant(c Capability) error {
	switch c {
	case CapabilityCamera:
		p.Camera = true
	case CapabilityFullscreen:
		p.Fullscreen = true
	case CapabilityMicrophone:
		p.Microphone = true
	case CapabilityTabSwitchAck:
		p.TabSwitchAck = true
	case CapabilityBrowserWarning:
		p.BrowserWarningAck = true
	default:
		return fmt.Errorf("examsession: unknown capability %q", c)
	}
	return nil
}

// Missing lists capabilities not yet granted, in prompt order.
func (p Permissions) Missing() []Capability {
	granted := map[Capability]bool{
		CapabilityCamera:         p.Camera,
		CapabilityFullscreen:     p.Fullscreen,
		CapabilityMicrophone:     p.Microphone,
		CapabilityTabSwitchAck:   p.TabSwitchAck,
		CapabilityBrowserWarning: p.BrowserWarningAck,
	}
	var missing []Capability
	for _, c := range RequiredCapabilities {
		if !granted[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// Complete reports whether every capability has been granted.
func (p Permissions) Complete() bool {
	return len(p.Missing()) == 0
}

// State is an immutable snapshot of a session. Every controller action
// returns a fresh one.
type State struct {
	Phase       Phase
	Student     model.Student
	AttemptID   uuid.UUID
	ExamID      uuid.UUID
	Permissions Permissions
	Questions   []model.QuestionForStudent
	Answers     map[uuid.UUID]int
	// Deadline is when the exam countdown forces submission. Zero until the
	// exam begins.
	Deadline  time.Time
	Violation violation.Snapshot
	Result    *model.FinalResult
	// Reason names the violation that terminated the session.
	Reason model.ViolationType
}

// Unanswered lists questions without a selection, in display order.
func (s State) Unanswered() []uuid.UUID {
	var ids []uuid.UUID
	for _, q := range s.Questions {
		if _, ok := s.Answers[q.ID]; !ok {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// RemainingSeconds is the countdown value at now, rounded up.
func (s State) RemainingSeconds(now time.Time) int {
	if s.Deadline.IsZero() {
		return 0
	}
	d := s.Deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Finished reports whether the session has left the exam.
func (s State) Finished() bool {
	return s.Phase == PhaseSubmitted || s.Phase == PhaseTerminated
}
