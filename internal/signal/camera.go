package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
)

// Track is the video track of an acquired camera stream.
type Track interface {
	Enabled() bool
	Live() bool
}

// CameraStream is an acquired camera capability.
type CameraStream interface {
	// VideoTrack returns nil when the stream carries no video.
	VideoTrack() Track
	Release()
}

// CameraProvider acquires the camera from the host environment.
type CameraProvider interface {
	Acquire(ctx context.Context) (CameraStream, error)
}

// CameraConfig tunes the camera monitor.
type CameraConfig struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	// AutoReconnect re-acquires the camera as soon as a poll finds it dead.
	AutoReconnect bool
}

// DefaultCameraConfig polls and reconnects every 500ms.
var DefaultCameraConfig = CameraConfig{
	PollInterval:   500 * time.Millisecond,
	ReconnectDelay: 500 * time.Millisecond,
	AutoReconnect:  true,
}

// CameraMonitor polls the camera track because a stream can die without
// raising any event.
type CameraMonitor struct {
	notifier
	provider CameraProvider
	cfg      CameraConfig
	log      zerolog.Logger

	streamMu sync.Mutex
	stream   CameraStream

	// lifeMu orders wg.Add against Stop's wg.Wait.
	lifeMu       sync.Mutex
	started      bool
	stopped      bool
	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// NewCameraMonitor creates a new CameraMonitor.
func NewCameraMonitor(provider CameraProvider, cfg CameraConfig, log zerolog.Logger) *CameraMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultCameraConfig.PollInterval
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CameraMonitor{
		notifier: newNotifier(),
		provider: provider,
		cfg:      cfg,
		log:      log.With().Str("component", "camera_monitor").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start acquires the camera and begins polling. Polling keeps running when
// the first acquisition fails so that Reconnect can recover; the failure is
// returned as a transient device error.
func (m *CameraMonitor) Start() error {
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
	m.wg.Add(1)
	m.lifeMu.Unlock()

	stream, err := m.provider.Acquire(m.ctx)
	if err == nil {
		m.replaceStream(stream)
	}
	m.poll()

	go m.loop()

	if err != nil {
		m.log.Warn().Err(err).Msg("Camera acquisition failed")
		return apperr.TransientDevice(apperr.ReasonCameraDenied, err)
	}
	return nil
}

// Tune replaces the poll interval and reconnect delay; non-positive values
// keep the current ones. It reports false once the monitor has started.
func (m *CameraMonitor) Tune(poll, reconnect time.Duration) bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started || m.stopped {
		return false
	}
	if poll > 0 {
		m.cfg.PollInterval = poll
	}
	if reconnect > 0 {
		m.cfg.ReconnectDelay = reconnect
	}
	return true
}

// Stop ends polling and releases the stream exactly once.
func (m *CameraMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		m.stopped = true
		m.lifeMu.Unlock()

		m.cancel()
		m.wg.Wait()

		m.streamMu.Lock()
		stream := m.stream
		m.stream = nil
		m.streamMu.Unlock()
		if stream != nil {
			stream.Release()
		}
		m.set(false)
		m.log.Debug().Msg("Camera monitor stopped")
	})
}

// Reconnect schedules one re-acquisition after the configured delay. It
// returns false when one is already in flight or the monitor is stopped.
func (m *CameraMonitor) Reconnect() bool {
	m.lifeMu.Lock()
	if m.stopped || !m.started || !m.reconnecting.CompareAndSwap(false, true) {
		m.lifeMu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.lifeMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.reconnecting.Store(false)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		stream, err := m.provider.Acquire(m.ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Camera reconnect failed")
			return
		}
		if m.ctx.Err() != nil {
			stream.Release()
			return
		}
		m.replaceStream(stream)
		m.log.Info().Msg("Camera reconnected")
		m.poll()
	}()
	return true
}

func (m *CameraMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.poll() && m.cfg.AutoReconnect {
				m.Reconnect()
			}
		}
	}
}

// poll reads the track and publishes its liveness.
func (m *CameraMonitor) poll() bool {
	m.streamMu.Lock()
	live := false
	if m.stream != nil {
		if track := m.stream.VideoTrack(); track != nil {
			live = track.Enabled() && track.Live()
		}
	}
	m.streamMu.Unlock()

	if m.set(live) {
		m.log.Debug().Bool("live", live).Msg("Camera state changed")
	}
	return live
}

func (m *CameraMonitor) replaceStream(stream CameraStream) {
	m.streamMu.Lock()
	old := m.stream
	m.stream = stream
	m.streamMu.Unlock()
	if old != nil {
		old.Release()
	}
}
