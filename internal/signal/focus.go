package signal

import (
	"sync"

	"github.com/rs/zerolog"
)

// FocusSource reports page visibility and window focus separately.
type FocusSource interface {
	Visible() bool
	Focused() bool
	OnVisibilityChange(fn func(visible bool)) (unsubscribe func())
	OnFocusChange(fn func(focused bool)) (unsubscribe func())
}

// FocusMonitor is active only while the page is visible and the window
// focused.
type FocusMonitor struct {
	notifier
	source FocusSource
	log    zerolog.Logger

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	visible  bool
	focused  bool
	unsubs   []func()
	stopOnce sync.Once
}

// NewFocusMonitor creates a new FocusMonitor.
func NewFocusMonitor(source FocusSource, log zerolog.Logger) *FocusMonitor {
	return &FocusMonitor{
		notifier: newNotifier(),
		source:   source,
		log:      log.With().Str("component", "focus_monitor").Logger(),
	}
}

func (m *FocusMonitor) Start() error {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.lifeMu.Unlock()
		return nil
	}
	m.started = true
	m.visible = m.source.Visible()
	m.focused = m.source.Focused()
	m.unsubs = []func(){
		m.source.OnVisibilityChange(func(visible bool) {
			m.update(func() { m.visible = visible })
		}),
		m.source.OnFocusChange(func(focused bool) {
			m.update(func() { m.focused = focused })
		}),
	}
	active := m.visible && m.focused
	m.lifeMu.Unlock()

	m.set(active)
	return nil
}

func (m *FocusMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		m.stopped = true
		unsubs := m.unsubs
		m.unsubs = nil
		m.lifeMu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		m.set(false)
	})
}

func (m *FocusMonitor) update(apply func()) {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return
	}
	apply()
	active := m.visible && m.focused
	m.lifeMu.Unlock()

	if m.set(active) {
		m.log.Debug().Bool("focused", active).Msg("Focus state changed")
	}
}
