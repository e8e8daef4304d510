package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
)

// ErrRequestTimeout is wrapped into the device error when the host never
// answers a fullscreen request.
var ErrRequestTimeout = errors.New("signal: fullscreen request timed out")

// FullscreenProvider is the host's fullscreen API.
type FullscreenProvider interface {
	IsFullscreen() bool
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
	// OnChange registers fn for fullscreen-change notifications.
	OnChange(fn func(fullscreen bool)) (unsubscribe func())
}

// FullscreenMonitor mirrors the host's fullscreen state.
type FullscreenMonitor struct {
	notifier
	provider       FullscreenProvider
	requestTimeout time.Duration
	log            zerolog.Logger

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	unsub    func()
	stopOnce sync.Once
}

// NewFullscreenMonitor creates a new FullscreenMonitor. Enter and Exit give
// up after requestTimeout when the caller's context has no earlier deadline.
func NewFullscreenMonitor(provider FullscreenProvider, requestTimeout time.Duration, log zerolog.Logger) *FullscreenMonitor {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &FullscreenMonitor{
		notifier:       newNotifier(),
		provider:       provider,
		requestTimeout: requestTimeout,
		log:            log.With().Str("component", "fullscreen_monitor").Logger(),
	}
}

func (m *FullscreenMonitor) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	m.unsub = m.provider.OnChange(func(fullscreen bool) {
		if m.set(fullscreen) {
			m.log.Debug().Bool("fullscreen", fullscreen).Msg("Fullscreen state changed")
		}
	})
	m.set(m.provider.IsFullscreen())
	return nil
}

func (m *FullscreenMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		m.stopped = true
		unsub := m.unsub
		m.unsub = nil
		m.lifeMu.Unlock()

		if unsub != nil {
			unsub()
		}
		m.set(false)
	})
}

// Enter asks the host for fullscreen. It always returns, either with the
// host's answer or with a transient device error once the deadline passes.
func (m *FullscreenMonitor) Enter(ctx context.Context) error {
	if err := m.request(ctx, m.provider.Enter); err != nil {
		m.log.Warn().Err(err).Msg("Fullscreen request refused")
		return apperr.TransientDevice(apperr.ReasonFullscreenDenied, err)
	}
	m.set(m.provider.IsFullscreen())
	return nil
}

// Exit leaves fullscreen if the host reports it active.
func (m *FullscreenMonitor) Exit(ctx context.Context) error {
	if !m.provider.IsFullscreen() {
		return nil
	}
	if err := m.request(ctx, m.provider.Exit); err != nil {
		return apperr.TransientDevice(apperr.ReasonFullscreenDenied, err)
	}
	return nil
}

// request runs fn on its own goroutine so a host that ignores ctx cannot
// block the caller.
func (m *FullscreenMonitor) request(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrRequestTimeout
		}
		return ctx.Err()
	}
}
