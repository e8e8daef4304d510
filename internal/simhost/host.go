// Package simhost stands in for the browser capabilities the proctoring
// monitors watch. A Host is toggled by hand or by a Scenario.
package simhost

import (
	"context"
	"errors"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/signal"
)

var (
	ErrCameraUnavailable = errors.New("simhost: camera unavailable")
	ErrFullscreenDenied  = errors.New("simhost: fullscreen request denied")
)

var (
	_ signal.CameraProvider     = (*Host)(nil)
	_ signal.FullscreenProvider = (*Host)(nil)
	_ signal.FocusSource        = (*Host)(nil)
)

// Host is a simulated browser tab with one camera. It starts with the camera
// plugged in, the page visible and focused, and fullscreen off.
type Host struct {
	mu             sync.Mutex
	cameraOn       bool
	cameraGen      int
	fullscreen     bool
	denyFullscreen bool
	visible        bool
	focused        bool
	acquired       int
	released       int

	nextID     int
	fsFns      map[int]func(bool)
	visibleFns map[int]func(bool)
	focusFns   map[int]func(bool)
}

func New() *Host {
	return &Host{
		cameraOn:   true,
		visible:    true,
		focused:    true,
		fsFns:      map[int]func(bool){},
		visibleFns: map[int]func(bool){},
		focusFns:   map[int]func(bool){},
	}
}

// SetCamera plugs or unplugs the camera. Unplugging ends every stream
// handed out so far; a new Acquire is needed once it is back.
func (h *Host) SetCamera(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cameraOn && !on {
		h.cameraGen++
	}
	h.cameraOn = on
}

// SetFullscreen is the student entering or leaving fullscreen.
func (h *Host) SetFullscreen(on bool) {
	h.mu.Lock()
	changed := h.fullscreen != on
	h.fullscreen = on
	fns := listeners(h.fsFns)
	h.mu.Unlock()
	if changed {
		notify(fns, on)
	}
}

// DenyFullscreen makes later Enter requests fail.
func (h *Host) DenyFullscreen(deny bool) {
	h.mu.Lock()
	h.denyFullscreen = deny
	h.mu.Unlock()
}

func (h *Host) SetVisible(v bool) {
	h.mu.Lock()
	changed := h.visible != v
	h.visible = v
	fns := listeners(h.visibleFns)
	h.mu.Unlock()
	if changed {
		notify(fns, v)
	}
}

func (h *Host) SetFocused(v bool) {
	h.mu.Lock()
	changed := h.focused != v
	h.focused = v
	fns := listeners(h.focusFns)
	h.mu.Unlock()
	if changed {
		notify(fns, v)
	}
}

// Streams reports how many camera streams were acquired and released.
func (h *Host) Streams() (acquired, released int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired, h.released
}

func (h *Host) Acquire(ctx context.Context) (signal.CameraStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cameraOn {
		return nil, ErrCameraUnavailable
	}
	h.acquired++
	return &stream{host: h, gen: h.cameraGen}, nil
}

func (h *Host) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *Host) Enter(ctx context.Context) error {
	h.mu.Lock()
	deny := h.denyFullscreen
	h.mu.Unlock()
	if deny {
		return ErrFullscreenDenied
	}
	h.SetFullscreen(true)
	return nil
}

func (h *Host) Exit(ctx context.Context) error {
	h.SetFullscreen(false)
	return nil
}

func (h *Host) OnChange(fn func(bool)) func() {
	return h.subscribe(h.fsFns, fn)
}

func (h *Host) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

func (h *Host) Focused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

func (h *Host) OnVisibilityChange(fn func(bool)) func() {
	return h.subscribe(h.visibleFns, fn)
}

func (h *Host) OnFocusChange(fn func(bool)) func() {
	return h.subscribe(h.focusFns, fn)
}

func (h *Host) subscribe(set map[int]func(bool), fn func(bool)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	set[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, id)
			h.mu.Unlock()
		})
	}
}

func listeners(set map[int]func(bool)) []func(bool) {
	fns := make([]func(bool), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(bool), v bool) {
	for _, fn := range fns {
		fn(v)
	}
}

type stream struct {
	host *Host
	gen  int
	once sync.Once
}

func (s *stream) VideoTrack() signal.Track { return track{s} }

func (s *stream) Release() {
	s.once.Do(func() {
		s.host.mu.Lock()
		s.host.released++
		s.host.mu.Unlock()
	})
}

type track struct{ s *stream }

func (t track) Enabled() bool { return true }

// Live is false once the camera was unplugged after this stream was acquired.
func (t track) Live() bool {
	h := t.s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cameraOn && h.cameraGen == t.s.gen
}

// MicrophoneGrant is the handle of a microphone probe.
type MicrophoneGrant struct {
	once     sync.Once
	released chan struct{}
}

// ProbeMicrophone simulates the microphone permission prompt.
func (h *Host) ProbeMicrophone() *MicrophoneGrant {
	return &MicrophoneGrant{released: make(chan struct{})}
}

func (g *MicrophoneGrant) Release() {
	g.once.Do(func() { close(g.released) })
}

// Released is closed once the grant is released.
func (g *MicrophoneGrant) Released() <-chan struct{} { return g.released }
