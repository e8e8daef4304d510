package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type fakeTrack struct {
	enabled atomic.Bool
	live    atomic.Bool
}

func newFakeTrack() *fakeTrack {
	t := &fakeTrack{}
	t.enabled.Store(true)
	t.live.Store(true)
	return t
}

func (t *fakeTrack) Enabled() bool { return t.enabled.Load() }
func (t *fakeTrack) Live() bool    { return t.live.Load() }

type fakeStream struct {
	track    *fakeTrack
	released atomic.Int32
}

func (s *fakeStream) VideoTrack() Track {
	if s.track == nil {
		return nil
	}
	return s.track
}

func (s *fakeStream) Release() { s.released.Add(1) }

type fakeCamera struct {
	mu       sync.Mutex
	fail     error
	acquires int
	streams  []*fakeStream
}

func (p *fakeCamera) Acquire(ctx context.Context) (CameraStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.fail != nil {
		return nil, p.fail
	}
	s := &fakeStream{track: newFakeTrack()}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeCamera) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *fakeCamera) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *fakeCamera) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

var errDenied = errors.New("permission denied")

type fakeFullscreen struct {
	mu         sync.Mutex
	fullscreen bool
	enterErr   error
	hang       chan struct{}
	listeners  map[int]func(bool)
	nextID     int
}

func newFakeFullscreen() *fakeFullscreen {
	return &fakeFullscreen{listeners: make(map[int]func(bool))}
}

func (f *fakeFullscreen) IsFullscreen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullscreen
}

func (f *fakeFullscreen) Enter(ctx context.Context) error {
	if f.hang != nil {
		<-f.hang
	}
	f.mu.Lock()
	err := f.enterErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.change(true)
	return nil
}

func (f *fakeFullscreen) Exit(ctx context.Context) error {
	f.change(false)
	return nil
}

func (f *fakeFullscreen) OnChange(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeFullscreen) change(on bool) {
	f.mu.Lock()
	f.fullscreen = on
	fns := make([]func(bool), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(on)
	}
}

func (f *fakeFullscreen) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeFocus struct {
	mu         sync.Mutex
	visible    bool
	focused    bool
	visibility []func(bool)
	focus      []func(bool)
}

func (f *fakeFocus) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *fakeFocus) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

func (f *fakeFocus) OnVisibilityChange(fn func(bool)) func() {
	f.mu.Lock()
	f.visibility = append(f.visibility, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.visibility = nil
		f.mu.Unlock()
	}
}

func (f *fakeFocus) OnFocusChange(fn func(bool)) func() {
	f.mu.Lock()
	f.focus = append(f.focus, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.focus = nil
		f.mu.Unlock()
	}
}

func (f *fakeFocus) setVisible(v bool) {
	f.mu.Lock()
	f.visible = v
	fns := append([]func(bool){}, f.visibility...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (f *fakeFocus) setFocused(v bool) {
	f.mu.Lock()
	f.focused = v
	fns := append([]func(bool){}, f.focus...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
