// Package examsession drives one student's exam from login to submission and
// guarantees that proctoring resources are released on every exit path.
package examsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

type exitKind string

const (
	exitSubmit    exitKind = "submit"
	exitTimeUp    exitKind = "time_up"
	exitViolation exitKind = "violation"
)

// Controller owns the session state. All methods are safe for concurrent use.
type Controller struct {
	gw       AttemptGateway
	proctor  ProctorChannel
	monitors Monitors
	log      zerolog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) (stop func() bool)

	mu        sync.Mutex
	cfg       Config
	state     State
	agg       *violation.Aggregator
	grants    []Grant
	stopTimer func() bool
	remaining time.Duration
	finishing bool

	// outbox holds every ledger record for the server in order; the first
	// delivered of them have been accepted. flushMu serialises delivery.
	outbox    []model.ViolationEvent
	delivered int
	inflight  int
	flushMu   sync.Mutex

	tearingDown atomic.Bool
}

// New creates a controller. Violations and terminations go through the
// gateway unless WithProctorChannel replaces it.
func New(gw AttemptGateway, monitors Monitors, cfg Config, log zerolog.Logger) *Controller {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	return &Controller{
		gw:       gw,
		proctor:  gw,
		monitors: monitors,
		cfg:      cfg,
		log:      log.With().Str("component", "exam_session").Logger(),
		now:      time.Now,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		state: State{Phase: PhaseUnauthenticated, Answers: map[uuid.UUID]int{}},
	}
}

// WithProctorChannel routes the violation ledger and termination through ch,
// typically a live websocket stream.
func (c *Controller) WithProctorChannel(ch ProctorChannel) *Controller {
	c.mu.Lock()
	c.proctor = ch
	c.mu.Unlock()
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Login authenticates into one exam and moves to PermissionsPending.
func (c *Controller) Login(ctx context.Context, examID uuid.UUID, email, code string) (State, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseUnauthenticated {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError("login", c.state.Phase)
	}
	c.mu.Unlock()

	res, err := c.gw.Login(ctx, model.LoginRequest{ExamID: examID.String(), Email: email, ExamCode: code})
	if err != nil {
		return c.Snapshot(), err
	}
	attemptID, err := uuid.Parse(res.ExamAttemptID)
	if err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cfg.apply(res.Proctor); err != nil {
		c.log.Warn().Err(err).Msg("Ignoring server proctoring settings")
	}
	c.state.Phase = PhasePermissionsPending
	c.state.Student = res.User
	c.state.AttemptID = attemptID
	c.state.ExamID = examID
	c.log.Info().Str("attempt_id", attemptID.String()).Msg("Logged in")
	return c.snapshotLocked(), nil
}

// Grant records a granted capability. g, when not nil, is released on
// teardown.
func (c *Controller) Grant(capability Capability, g Grant) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhasePermissionsPending {
		return c.snapshotLocked(), phaseError("grant", c.state.Phase)
	}
	if err := c.state.Permissions.grant(capability); err != nil {
		return c.snapshotLocked(), err
	}
	if g != nil {
		c.grants = append(c.grants, g)
	}
	return c.snapshotLocked(), nil
}

// Prepare starts the monitors and loads the question set, restoring any
// saved selections.
func (c *Controller) Prepare(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Phase != PhasePermissionsPending {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError("prepare", c.state.Phase)
	}
	if missing := c.state.Permissions.Missing(); len(missing) > 0 {
		defer c.mu.Unlock()
		return c.snapshotLocked(), apperr.Validation(apperr.ReasonPermissionsMissing, "missing permissions: "+joinCapabilities(missing))
	}
	examID := c.state.ExamID
	poll, reconnect := c.cfg.CameraPoll, c.cfg.CameraReconnect
	c.mu.Unlock()

	if t, ok := c.monitors.Camera.(cameraTuner); ok && (poll > 0 || reconnect > 0) {
		if !t.Tune(poll, reconnect) {
			c.log.Warn().Msg("Camera already running, keeping its timing")
		}
	}
	c.startMonitors()

	set, err := c.gw.FetchQuestions(ctx, examID)
	if err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhasePermissionsPending {
		return c.snapshotLocked(), phaseError("prepare", c.state.Phase)
	}
	c.state.Questions = set.Questions
	for _, q := range set.Questions {
		if q.SelectedOption != nil {
			c.state.Answers[q.ID] = *q.SelectedOption
		}
	}
	seconds := set.RemainingSeconds
	if seconds <= 0 && set.Status != model.AttemptStatusInProgress {
		seconds = set.DurationSeconds
	}
	c.remaining = time.Duration(seconds) * time.Second
	c.state.Phase = PhasePrepared
	c.log.Info().
		Int("questions", len(set.Questions)).
		Int("restored_answers", len(c.state.Answers)).
		Int("remaining_seconds", seconds).
		Msg("Exam prepared")
	return c.snapshotLocked(), nil
}

// Begin enters the exam once camera and fullscreen are both active. When
// either is not, it asks for it again and stays Prepared.
func (c *Controller) Begin(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Phase != PhasePrepared {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError("begin", c.state.Phase)
	}
	c.mu.Unlock()

	if err := c.ensureDevices(ctx); err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	if c.state.Phase != PhasePrepared || c.tearingDown.Load() {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError("begin", c.state.Phase)
	}

	agg := violation.New(map[model.ViolationType]signal.EnvironmentSignal{
		model.ViolationWebcamDisabled: c.monitors.Camera,
		model.ViolationFullscreenExit: c.monitors.Fullscreen,
		model.ViolationTabSwitch:      c.monitors.Focus,
	}, c.cfg.Violation, violation.Hooks{
		OnViolation: func(ev model.ViolationEvent) {
			if ev.Type == model.ViolationWebcamDisabled {
				c.monitors.Camera.Reconnect()
			}
			c.queueViolation(ev)
		},
		OnResolved:  c.queueResolution,
		OnTerminate: c.onViolationTimeout,
	}, c.log)

	c.agg = agg
	c.state.Phase = PhaseInProgress
	c.state.Deadline = c.now().Add(c.remaining)
	c.stopTimer = c.afterFunc(c.remaining, c.onTimeUp)
	c.log.Info().Time("deadline", c.state.Deadline).Msg("Exam started")
	c.mu.Unlock()

	agg.Enable()
	return c.Snapshot(), nil
}

// Answer records a selection. The latest selection per question wins.
func (c *Controller) Answer(questionID uuid.UUID, option int) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseInProgress || c.finishing {
		return c.snapshotLocked(), phaseError("answer", c.state.Phase)
	}
	for _, q := range c.state.Questions {
		if q.ID != questionID {
			continue
		}
		if option < 0 || option >= len(q.Options) {
			return c.snapshotLocked(), apperr.Validation(apperr.ReasonInvalidOption, "option out of range")
		}
		c.state.Answers[questionID] = option
		return c.snapshotLocked(), nil
	}
	return c.snapshotLocked(), apperr.NotFound(apperr.ReasonQuestionNotFound, "question is not part of this exam")
}

// Submit ends the exam. With unanswered questions it returns an
// *UnansweredError unless confirmUnanswered is set. A finished session
// whose upload failed is uploaded again by calling Submit.
func (c *Controller) Submit(ctx context.Context, confirmUnanswered bool) (State, error) {
	c.mu.Lock()
	retry := c.state.Finished() && c.state.Result == nil && !c.finishing
	if c.state.Phase != PhaseInProgress && !retry {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError("submit", c.state.Phase)
	}
	if retry {
		kind := exitSubmit
		if c.state.Phase == PhaseTerminated {
			kind = exitViolation
		}
		c.finishing = true
		c.mu.Unlock()
		return c.upload(ctx, kind)
	}
	if n := len(c.state.Questions) - len(c.state.Answers); n > 0 && !confirmUnanswered {
		defer c.mu.Unlock()
		return c.snapshotLocked(), &UnansweredError{Count: n}
	}
	c.mu.Unlock()

	return c.finish(ctx, exitSubmit, "")
}

// Close discards the session, releasing everything it holds.
func (c *Controller) Close() {
	c.Teardown()
}

// Teardown stops every monitor, releases stray grants, leaves fullscreen and
// cancels the exam and violation timers. It may be called any number of
// times from any goroutine; only the first call does the work and the others
// return immediately.
func (c *Controller) Teardown() {
	if !c.tearingDown.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	agg := c.agg
	stop := c.stopTimer
	c.stopTimer = nil
	grants := c.grants
	c.grants = nil
	timeout := c.cfg.RequestTimeout
	c.mu.Unlock()

	if agg != nil {
		agg.Close()
	}
	if stop != nil {
		stop()
	}

	c.monitors.Camera.Stop()
	if c.monitors.Fullscreen.IsActive() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.monitors.Fullscreen.Exit(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Failed to leave fullscreen")
		}
		cancel()
	}
	c.monitors.Fullscreen.Stop()
	c.monitors.Focus.Stop()

	for _, g := range grants {
		g.Release()
	}
	c.log.Info().Int("grants_released", len(grants)).Msg("Session torn down")
}

func (c *Controller) onTimeUp() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	if _, err := c.finish(ctx, exitTimeUp, ""); err != nil && !errors.Is(err, ErrInvalidPhase) {
		c.log.Error().Err(err).Msg("Forced submission failed")
	}
}

func (c *Controller) onViolationTimeout(reason model.ViolationType) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	if _, err := c.finish(ctx, exitViolation, reason); err != nil && !errors.Is(err, ErrInvalidPhase) {
		c.log.Error().Err(err).Msg("Termination upload failed")
	}
}

// finish moves the session out of the exam exactly once, tears it down and
// uploads the outcome.
func (c *Controller) finish(ctx context.Context, kind exitKind, reason model.ViolationType) (State, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseInProgress || c.finishing {
		defer c.mu.Unlock()
		return c.snapshotLocked(), phaseError(string(kind), c.state.Phase)
	}
	c.finishing = true
	if kind == exitViolation {
		c.state.Phase = PhaseTerminated
		c.state.Reason = reason
	} else {
		c.state.Phase = PhaseSubmitted
	}
	c.mu.Unlock()

	c.log.Info().Str("exit", string(kind)).Str("reason", string(reason)).Msg("Leaving exam")
	c.Teardown()
	return c.upload(ctx, kind)
}

// upload flushes the violation ledger and sends the final answers. The
// caller has set c.finishing.
func (c *Controller) upload(ctx context.Context, kind exitKind) (State, error) {
	c.mu.Lock()
	attemptID := c.state.AttemptID
	reason := c.state.Reason
	answers := c.answerInputsLocked()
	proctor := c.proctor
	c.mu.Unlock()

	if err := c.flushViolations(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to flush violation ledger")
	}

	var (
		result *model.FinalResult
		err    error
	)
	switch {
	case kind == exitViolation:
		result, err = proctor.Terminate(ctx, attemptID, model.TerminateRequest{Answers: answers, Reason: reason})
	case len(answers) == 0:
		result, err = c.gw.Finalize(ctx, attemptID)
	default:
		var summary *model.SaveSummary
		summary, err = c.gw.SaveAnswers(ctx, attemptID, model.SaveAnswersRequest{Answers: answers, Complete: true})
		if err == nil {
			result = summary.FinalizedWith
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishing = false
	if err != nil {
		return c.snapshotLocked(), err
	}
	c.state.Result = result
	c.log.Info().Interface("result", result).Msg("Outcome recorded")
	return c.snapshotLocked(), nil
}

// queueViolation records a new ledger entry and delivers it in the
// background; monitor goroutines must not wait on the network.
func (c *Controller) queueViolation(ev model.ViolationEvent) {
	c.mu.Lock()
	c.outbox = append(c.outbox, ev)
	c.mu.Unlock()
	go c.deliverViolations()
}

// queueResolution marks a still undelivered entry resolved, or queues a
// resolved record for one the server already holds.
func (c *Controller) queueResolution(ev model.ViolationEvent) {
	c.mu.Lock()
	merged := false
	for i := len(c.outbox) - 1; i >= c.delivered+c.inflight; i-- {
		o := &c.outbox[i]
		if o.Type == ev.Type && o.Timestamp.Equal(ev.Timestamp) && !o.Resolved {
			o.Resolved = true
			merged = true
			break
		}
	}
	if !merged {
		ev.Resolved = true
		c.outbox = append(c.outbox, ev)
	}
	c.mu.Unlock()
	go c.deliverViolations()
}

func (c *Controller) deliverViolations() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	if err := c.flushViolations(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Live violation report failed, will retry")
	}
}

// flushViolations sends every record not yet accepted by the server, so
// each one is delivered once across live reports and upload retries.
func (c *Controller) flushViolations(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	pending := append([]model.ViolationEvent(nil), c.outbox[c.delivered:]...)
	attemptID := c.state.AttemptID
	proctor := c.proctor
	c.inflight = len(pending)
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	_, err := proctor.ReportViolations(ctx, attemptID, pending)

	c.mu.Lock()
	c.inflight = 0
	if err == nil {
		c.delivered += len(pending)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.log.Debug().Int("events", len(pending)).Msg("Violations reported")
	return nil
}

// ensureDevices re-establishes camera and fullscreen when they are not
// active.
func (c *Controller) ensureDevices(ctx context.Context) error {
	var errs []error
	if !c.monitors.Camera.IsActive() {
		c.monitors.Camera.Reconnect()
		errs = append(errs, apperr.TransientDevice(apperr.ReasonCameraDenied, ErrDevicesNotReady))
	}
	if !c.monitors.Fullscreen.IsActive() {
		if err := c.monitors.Fullscreen.Enter(ctx); err != nil {
			errs = append(errs, err)
		} else if !c.monitors.Fullscreen.IsActive() {
			errs = append(errs, apperr.TransientDevice(apperr.ReasonFullscreenDenied, ErrDevicesNotReady))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// cameraTuner is implemented by cameras whose timing can be set before Start.
type cameraTuner interface {
	Tune(poll, reconnect time.Duration) bool
}

func (c *Controller) startMonitors() {
	for name, m := range map[string]signal.EnvironmentSignal{
		"camera":     c.monitors.Camera,
		"fullscreen": c.monitors.Fullscreen,
		"focus":      c.monitors.Focus,
	} {
		if err := m.Start(); err != nil {
			c.log.Warn().Err(err).Str("monitor", name).Msg("Monitor did not start cleanly")
		}
	}
}

func (c *Controller) requestTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.RequestTimeout
}

// answerInputsLocked lists the captured answers in display order.
func (c *Controller) answerInputsLocked() []model.AnswerInput {
	inputs := make([]model.AnswerInput, 0, len(c.state.Answers))
	for _, q := range c.state.Questions {
		opt, ok := c.state.Answers[q.ID]
		if !ok {
			continue
		}
		inputs = append(inputs, model.AnswerInput{QuestionID: q.ID.String(), SelectedOption: &opt})
	}
	return inputs
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.Questions = append([]model.QuestionForStudent(nil), c.state.Questions...)
	s.Answers = make(map[uuid.UUID]int, len(c.state.Answers))
	for k, v := range c.state.Answers {
		s.Answers[k] = v
	}
	if c.agg != nil {
		s.Violation = c.agg.Snapshot()
	}
	return s
}

func joinCapabilities(cs []Capability) string {
	out := ""
	for i, c := range cs {
		if i > 0 {
			out += ", "
		}
		out += string(c)
	}
	return out
}
