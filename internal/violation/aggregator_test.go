package violation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeSignal struct {
	mu        sync.Mutex
	active    bool
	listeners []signal.Listener
}

func (f *fakeSignal) Start() error { return nil }
func (f *fakeSignal) Stop()        {}

func (f *fakeSignal) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSignal) State() signal.State { return signal.State{Active: f.IsActive()} }

func (f *fakeSignal) Subscribe(fn signal.Listener) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listeners = nil
		f.mu.Unlock()
	}
}

func (f *fakeSignal) set(active bool, at time.Time) {
	f.mu.Lock()
	f.active = active
	fns := append([]signal.Listener(nil), f.listeners...)
	f.mu.Unlock()
	tr := signal.Deactivated
	if active {
		tr = signal.Activated
	}
	for _, fn := range fns {
		fn(signal.Change{Transition: tr, At: at})
	}
}

type task struct {
	fn        func()
	cancelled bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*task
}

func (s *fakeScheduler) schedule(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &task{fn: fn}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

// fire runs one tick of every live task.
func (s *fakeScheduler) fire() {
	s.mu.Lock()
	var live []func()
	for _, t := range s.tasks {
		if !t.cancelled {
			live = append(live, t.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range live {
		fn()
	}
}

func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

type harness struct {
	agg        *Aggregator
	sched      *fakeScheduler
	camera     *fakeSignal
	fullscreen *fakeSignal
	focus      *fakeSignal
	clock      time.Time
	terminated atomic.Int32
	reason     atomic.Value
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newHarness(policy Policy) *harness {
	h := &harness{
		sched:      &fakeScheduler{},
		camera:     &fakeSignal{active: true},
		fullscreen: &fakeSignal{active: true},
		focus:      &fakeSignal{active: true},
		clock:      t0,
	}
	signals := map[model.ViolationType]signal.EnvironmentSignal{
		model.ViolationWebcamDisabled: h.camera,
		model.ViolationFullscreenExit: h.fullscreen,
		model.ViolationTabSwitch:      h.focus,
	}
	hooks := Hooks{OnTerminate: func(reason model.ViolationType) {
		h.terminated.Add(1)
		h.reason.Store(reason)
	}}
	h.agg = New(signals, Config{Policy: policy, Window: 10 * time.Second, TickInterval: time.Second}, hooks, zerolog.Nop())
	h.agg.now = func() time.Time { return h.clock }
	h.agg.schedule = h.sched.schedule
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
	h.sched.fire()
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySingleSlot, p)

	p, err = ParsePolicy("per_type")
	require.NoError(t, err)
	assert.Equal(t, PolicyPerType, p)

	_, err = ParsePolicy("queue")
	assert.Error(t, err)
}

func TestAggregator_IgnoresViolationsUntilEnabled(t *testing.T) {
	h := newHarness(PolicySingleSlot)

	h.camera.set(false, h.clock)

	snap := h.agg.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Enabled)
	assert.Empty(t, snap.Ledger)
	assert.Zero(t, h.sched.live())
}

func TestAggregator_EnableRaisesInactiveMonitors(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.focus.set(false, h.clock)

	h.agg.Enable()

	snap := h.agg.Snapshot()
	assert.Equal(t, StateWarning, snap.State)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, model.ViolationTabSwitch, snap.Warnings[0].Type)
}

func TestAggregator_WarningResolvedBeforeDeadline(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.agg.Enable()

	h.camera.set(false, h.clock)

	snap := h.agg.Snapshot()
	assert.Equal(t, StateWarning, snap.State)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, Warning{Type: model.ViolationWebcamDisabled, Deadline: t0.Add(10 * time.Second)}, snap.Warnings[0])
	require.Len(t, snap.Ledger, 1)
	assert.Equal(t, model.ViolationEvent{Type: model.ViolationWebcamDisabled, Timestamp: t0}, snap.Ledger[0])
	assert.Equal(t, 1, h.sched.live())

	for i := 0; i < 8; i++ {
		h.advance(time.Second)
	}
	h.camera.set(true, h.clock)
	h.advance(time.Second)

	snap = h.agg.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Warnings)
	assert.True(t, snap.Ledger[0].Resolved)
	assert.Zero(t, h.sched.live(), "countdown is cancelled on resolution")

	h.advance(30 * time.Second)
	assert.Zero(t, h.terminated.Load())
}

func TestAggregator_DeadlineTerminatesExactlyOnce(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.agg.Enable()
	h.fullscreen.set(false, h.clock)

	h.advance(9 * time.Second)
	assert.Equal(t, StateWarning, h.agg.Snapshot().State)

	h.advance(time.Second)
	snap := h.agg.Snapshot()
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, model.ViolationFullscreenExit, snap.Reason)
	assert.Equal(t, int32(1), h.terminated.Load())
	assert.Zero(t, h.sched.live())

	h.agg.Tick(h.clock.Add(time.Minute))
	h.camera.set(false, h.clock)
	h.fullscreen.set(true, h.clock)

	snap = h.agg.Snapshot()
	assert.Equal(t, StateTerminated, snap.State)
	assert.Len(t, snap.Ledger, 1, "events after termination are ignored")
	assert.False(t, snap.Ledger[0].Resolved)
	assert.Equal(t, int32(1), h.terminated.Load())
}

func TestAggregator_SingleSlotOverwritesWarning(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.agg.Enable()

	h.camera.set(false, h.clock)
	h.clock = h.clock.Add(5 * time.Second)
	h.fullscreen.set(false, h.clock)

	snap := h.agg.Snapshot()
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, model.ViolationFullscreenExit, snap.Warnings[0].Type)
	assert.Equal(t, t0.Add(15*time.Second), snap.Warnings[0].Deadline)
	assert.Len(t, snap.Ledger, 2)
	assert.Equal(t, 1, h.sched.live())

	// The camera's original deadline passes without effect.
	h.advance(6 * time.Second)
	assert.Equal(t, StateWarning, h.agg.Snapshot().State)

	h.advance(4 * time.Second)
	assert.Equal(t, StateTerminated, h.agg.Snapshot().State)
	assert.Equal(t, model.ViolationFullscreenExit, h.reason.Load())
}

func TestAggregator_SingleSlotReraisesMonitorStillDown(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.agg.Enable()

	h.camera.set(false, h.clock)
	h.advance(2 * time.Second)
	h.focus.set(false, h.clock)
	h.focus.set(true, h.clock)
	h.advance(time.Second)

	snap := h.agg.Snapshot()
	assert.Equal(t, StateWarning, snap.State)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, model.ViolationWebcamDisabled, snap.Warnings[0].Type)
	assert.Equal(t, t0.Add(13*time.Second), snap.Warnings[0].Deadline)
	require.Len(t, snap.Ledger, 3)
	assert.False(t, snap.Ledger[0].Resolved)
	assert.True(t, snap.Ledger[1].Resolved)
	assert.Equal(t, model.ViolationWebcamDisabled, snap.Ledger[2].Type)

	for i := 0; i < 12; i++ {
		h.advance(time.Second)
	}
	assert.Equal(t, StateTerminated, h.agg.Snapshot().State)
	assert.Equal(t, model.ViolationWebcamDisabled, h.reason.Load())
	assert.Equal(t, int32(1), h.terminated.Load())
}

func TestAggregator_SameTypeDoesNotExtendDeadline(t *testing.T) {
	h := newHarness(PolicySingleSlot)
	h.agg.Enable()

	h.focus.set(false, h.clock)
	h.clock = h.clock.Add(3 * time.Second)
	h.agg.Raise(model.ViolationTabSwitch, h.clock)

	snap := h.agg.Snapshot()
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, t0.Add(10*time.Second), snap.Warnings[0].Deadline)
	assert.Len(t, snap.Ledger, 1)
}

func TestAggregator_PerTypeTracksIndependently(t *testing.T) {
	h := newHarness(PolicyPerType)
	h.agg.Enable()

	h.camera.set(false, h.clock)
	h.clock = h.clock.Add(5 * time.Second)
	h.fullscreen.set(false, h.clock)

	snap := h.agg.Snapshot()
	require.Len(t, snap.Warnings, 2)
	assert.Equal(t, model.ViolationWebcamDisabled, snap.Warnings[0].Type, "most urgent first")
	assert.Equal(t, 5*time.Second, snap.Remaining(h.clock))

	h.fullscreen.set(true, h.clock)
	h.advance(time.Second)

	snap = h.agg.Snapshot()
	assert.Equal(t, StateWarning, snap.State)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, model.ViolationWebcamDisabled, snap.Warnings[0].Type)
	assert.True(t, snap.Ledger[1].Resolved)
	assert.False(t, snap.Ledger[0].Resolved)

	h.advance(4 * time.Second)
	assert.Equal(t, StateTerminated, h.agg.Snapshot().State)
	assert.Equal(t, model.ViolationWebcamDisabled, h.reason.Load())
	assert.Equal(t, int32(1), h.terminated.Load())
}

func TestAggregator_CloseCancelsCountdowns(t *testing.T) {
	h := newHarness(PolicyPerType)
	h.agg.Enable()
	h.camera.set(false, h.clock)
	h.focus.set(false, h.clock)
	require.Equal(t, 2, h.sched.live())

	h.agg.Close()
	h.agg.Close()

	assert.Zero(t, h.sched.live())
	h.fullscreen.set(false, h.clock)
	h.agg.Tick(h.clock.Add(time.Hour))
	assert.Len(t, h.agg.Snapshot().Ledger, 2)
	assert.Zero(t, h.terminated.Load())
}

// ─── Real clock ─────────────────────────────────────────────────────

type liveTrack struct{ live atomic.Bool }

func (t *liveTrack) Enabled() bool { return true }
func (t *liveTrack) Live() bool    { return t.live.Load() }

type liveStream struct{ track *liveTrack }

func (s *liveStream) VideoTrack() signal.Track { return s.track }
func (s *liveStream) Release()                 {}

type liveCamera struct{ track *liveTrack }

func (c *liveCamera) Acquire(context.Context) (signal.CameraStream, error) {
	return &liveStream{track: c.track}, nil
}

func TestAggregator_CameraLossRaisesWarningWithinOnePoll(t *testing.T) {
	track := &liveTrack{}
	track.live.Store(true)
	poll := 50 * time.Millisecond
	camera := signal.NewCameraMonitor(&liveCamera{track: track},
		signal.CameraConfig{PollInterval: poll, ReconnectDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, camera.Start())
	defer camera.Stop()

	agg := New(map[model.ViolationType]signal.EnvironmentSignal{
		model.ViolationWebcamDisabled: camera,
	}, DefaultConfig, Hooks{}, zerolog.Nop())
	defer agg.Close()
	agg.Enable()

	lost := time.Now()
	track.live.Store(false)

	require.Eventually(t, func() bool { return agg.Snapshot().State == StateWarning }, 3*poll, 5*time.Millisecond)
	snap := agg.Snapshot()
	require.Len(t, snap.Ledger, 1)
	assert.Equal(t, model.ViolationWebcamDisabled, snap.Ledger[0].Type)
	assert.WithinDuration(t, lost.Add(10*time.Second), snap.Warnings[0].Deadline, 2*poll)
}

func TestAggregator_RealCountdownTerminatesOnce(t *testing.T) {
	focus := &fakeSignal{active: true}
	var terminated atomic.Int32
	agg := New(map[model.ViolationType]signal.EnvironmentSignal{
		model.ViolationTabSwitch: focus,
	}, Config{Policy: PolicySingleSlot, Window: 60 * time.Millisecond, TickInterval: 10 * time.Millisecond},
		Hooks{OnTerminate: func(model.ViolationType) { terminated.Add(1) }}, zerolog.Nop())
	defer agg.Close()
	agg.Enable()

	focus.set(false, time.Now())

	require.Eventually(t, func() bool { return terminated.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), terminated.Load())
	assert.Equal(t, StateTerminated, agg.Snapshot().State)
}
