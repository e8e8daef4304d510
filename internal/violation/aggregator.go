// Package violation turns monitor transitions into proctoring violations and
// escalates unresolved ones to termination.
package violation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

// State is the aggregator's escalation state.
type State string

const (
	StateIdle       State = "idle"
	StateWarning    State = "warning"
	StateTerminated State = "terminated"
)

// Policy decides what happens when a second violation type is raised while a
// warning is already counting down.
type Policy string

const (
	// PolicySingleSlot keeps one warning; a new type replaces the current one
	// with a fresh deadline.
	PolicySingleSlot Policy = "single_slot"
	// PolicyPerType gives every type its own independent countdown.
	PolicyPerType Policy = "per_type"
)

// ParsePolicy accepts the configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySingleSlot, "":
		return PolicySingleSlot, nil
	case PolicyPerType:
		return PolicyPerType, nil
	default:
		return "", fmt.Errorf("unknown violation policy %q", s)
	}
}

// Config tunes the escalation.
type Config struct {
	Policy Policy
	// Window is the time a violation may stay unresolved.
	Window time.Duration
	// TickInterval is how often an open warning re-checks its monitor.
	TickInterval time.Duration
}

// DefaultConfig is a 10 second window checked every second.
var DefaultConfig = Config{
	Policy:       PolicySingleSlot,
	Window:       10 * time.Second,
	TickInterval: time.Second,
}

// Hooks are invoked without the aggregator lock held.
type Hooks struct {
	// OnViolation is called for every ledger entry appended.
	OnViolation func(model.ViolationEvent)
	// OnResolved is called when a warning clears before its deadline.
	OnResolved func(model.ViolationEvent)
	// OnTerminate is called exactly once, with the type whose countdown ran out.
	OnTerminate func(reason model.ViolationType)
}

// Warning is one open countdown.
type Warning struct {
	Type     model.ViolationType
	Deadline time.Time
}

// Snapshot is a copy of the aggregator state.
type Snapshot struct {
	State    State
	Enabled  bool
	Warnings []Warning
	Ledger   []model.ViolationEvent
	// Reason is set once terminated.
	Reason model.ViolationType
}

// Remaining returns the time left on the most urgent warning.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if len(s.Warnings) == 0 {
		return 0
	}
	d := s.Warnings[0].Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// scheduleFunc runs fn every interval until the returned cancel is called.
// cancel must not block.
type scheduleFunc func(every time.Duration, fn func()) (cancel func())

type warning struct {
	deadline time.Time
	event    int
	cancel   func()
}

// Aggregator is the escalation state machine. It is safe for concurrent use.
type Aggregator struct {
	cfg     Config
	hooks   Hooks
	signals map[model.ViolationType]signal.EnvironmentSignal
	log     zerolog.Logger

	now      func() time.Time
	schedule scheduleFunc

	mu       sync.Mutex
	enabled  bool
	closed   bool
	state    State
	reason   model.ViolationType
	warnings map[model.ViolationType]*warning
	ledger   []model.ViolationEvent
	unsubs   []func()
}

// New subscribes to every monitor in signals. Violations are ignored until
// Enable is called.
func New(signals map[model.ViolationType]signal.EnvironmentSignal, cfg Config, hooks Hooks, log zerolog.Logger) *Aggregator {
	if cfg.Policy == "" {
		cfg.Policy = DefaultConfig.Policy
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig.TickInterval
	}

	a := &Aggregator{
		cfg:      cfg,
		hooks:    hooks,
		signals:  signals,
		log:      log.With().Str("component", "violation_aggregator").Str("policy", string(cfg.Policy)).Logger(),
		now:      time.Now,
		schedule: tickerSchedule,
		state:    StateIdle,
		warnings: make(map[model.ViolationType]*warning),
	}

	for vt, sig := range signals {
		a.unsubs = append(a.unsubs, sig.Subscribe(func(c signal.Change) {
			if c.Transition == signal.Deactivated {
				a.Raise(vt, c.At)
			}
		}))
	}
	return a
}

// Enable starts treating deactivations as violations. Monitors that are
// already inactive are raised immediately.
func (a *Aggregator) Enable() {
	a.mu.Lock()
	if a.enabled || a.closed {
		a.mu.Unlock()
		return
	}
	a.enabled = true
	a.mu.Unlock()

	a.log.Info().Msg("Security enabled")
	a.raiseInactive(a.now())
}

// Raise records a violation of type vt observed at `at`.
func (a *Aggregator) Raise(vt model.ViolationType, at time.Time) {
	a.mu.Lock()
	if !a.enabled || a.closed || a.state == StateTerminated {
		a.mu.Unlock()
		return
	}
	if _, open := a.warnings[vt]; open {
		a.mu.Unlock()
		return
	}

	if a.cfg.Policy == PolicySingleSlot {
		for other, w := range a.warnings {
			w.cancel()
			delete(a.warnings, other)
		}
	}

	event := model.ViolationEvent{Type: vt, Timestamp: at}
	a.ledger = append(a.ledger, event)
	deadline := at.Add(a.cfg.Window)
	a.warnings[vt] = &warning{
		deadline: deadline,
		event:    len(a.ledger) - 1,
		cancel:   a.schedule(a.cfg.TickInterval, func() { a.Tick(a.now()) }),
	}
	a.state = StateWarning
	a.mu.Unlock()

	a.log.Info().Str("type", string(vt)).Time("deadline", deadline).Msg("Violation warning raised")
	if a.hooks.OnViolation != nil {
		a.hooks.OnViolation(event)
	}
}

// Tick re-checks every open warning against its monitor's current state.
func (a *Aggregator) Tick(now time.Time) {
	var resolved []model.ViolationEvent
	var expired model.ViolationType

	a.mu.Lock()
	if a.state != StateWarning || a.closed {
		a.mu.Unlock()
		return
	}
	for _, vt := range a.openTypes() {
		w := a.warnings[vt]
		if sig, ok := a.signals[vt]; ok && sig.IsActive() {
			w.cancel()
			delete(a.warnings, vt)
			a.ledger[w.event].Resolved = true
			resolved = append(resolved, a.ledger[w.event])
			continue
		}
		if expired == "" && !now.Before(w.deadline) {
			expired = vt
		}
	}

	switch {
	case expired != "":
		for vt, w := range a.warnings {
			w.cancel()
			delete(a.warnings, vt)
		}
		a.state = StateTerminated
		a.reason = expired
	case len(a.warnings) == 0:
		a.state = StateIdle
	}
	a.mu.Unlock()

	for _, ev := range resolved {
		a.log.Info().Str("type", string(ev.Type)).Msg("Violation resolved")
		if a.hooks.OnResolved != nil {
			a.hooks.OnResolved(ev)
		}
	}
	if expired != "" {
		a.log.Warn().Str("reason", string(expired)).Msg("Violation window elapsed, terminating")
		if a.hooks.OnTerminate != nil {
			a.hooks.OnTerminate(expired)
		}
		return
	}
	if len(resolved) > 0 {
		a.raiseInactive(now)
	}
}

// raiseInactive raises every monitor that is down without an open warning.
// A single-slot overwrite drops the earlier warning while its monitor may
// still be down, and monitors only notify on a change.
func (a *Aggregator) raiseInactive(now time.Time) {
	for _, vt := range model.ViolationTypes {
		if sig, ok := a.signals[vt]; ok && !sig.IsActive() {
			a.Raise(vt, now)
		}
	}
}

// Snapshot returns a copy of the current state. Warnings are ordered by
// deadline.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		State:   a.state,
		Enabled: a.enabled,
		Ledger:  append([]model.ViolationEvent(nil), a.ledger...),
		Reason:  a.reason,
	}
	for _, vt := range a.openTypes() {
		snap.Warnings = append(snap.Warnings, Warning{Type: vt, Deadline: a.warnings[vt].deadline})
	}
	return snap
}

// Close cancels every countdown and unsubscribes from the monitors. The
// escalation state is kept for inspection.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for vt, w := range a.warnings {
		w.cancel()
		delete(a.warnings, vt)
	}
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// openTypes lists open warnings by deadline. Caller holds a.mu.
func (a *Aggregator) openTypes() []model.ViolationType {
	types := make([]model.ViolationType, 0, len(a.warnings))
	for vt := range a.warnings {
		types = append(types, vt)
	}
	sort.Slice(types, func(i, j int) bool {
		wi, wj := a.warnings[types[i]], a.warnings[types[j]]
		if wi.deadline.Equal(wj.deadline) {
			return types[i] < types[j]
		}
		return wi.deadline.Before(wj.deadline)
	})
	return types
}

func tickerSchedule(every time.Duration, fn func()) func() {
	ticker := time.NewTicker(every)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
