package examsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

// ─── Monitors ───────────────────────────────────────────────────────

type fakeSignal struct {
	mu        sync.Mutex
	active    bool
	starts    int
	stops     int
	listeners []signal.Listener
}

func (f *fakeSignal) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSignal) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.set(false)
}

func (f *fakeSignal) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSignal) State() signal.State { return signal.State{Active: f.IsActive()} }

func (f *fakeSignal) Subscribe(fn signal.Listener) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	idx := len(f.listeners) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listeners[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeSignal) set(active bool) {
	f.mu.Lock()
	if f.active == active {
		f.mu.Unlock()
		return
	}
	f.active = active
	var fns []signal.Listener
	for _, fn := range f.listeners {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	tr := signal.Deactivated
	if active {
		tr = signal.Activated
	}
	for _, fn := range fns {
		fn(signal.Change{Transition: tr, At: time.Now()})
	}
}

func (f *fakeSignal) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeCamera struct {
	fakeSignal
	reconnects int
	// revive makes Reconnect bring the camera back.
	revive bool

	poll, reconnect time.Duration
}

func (f *fakeCamera) Reconnect() bool {
	f.mu.Lock()
	f.reconnects++
	revive := f.revive
	f.mu.Unlock()
	if revive {
		f.set(true)
	}
	return true
}

func (f *fakeCamera) Tune(poll, reconnect time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll, f.reconnect = poll, reconnect
	return f.starts == 0
}

func (f *fakeCamera) timing() (time.Duration, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.poll, f.reconnect
}

func (f *fakeCamera) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

type fakeFullscreen struct {
	fakeSignal
	enterErr error
	enters   int
	exits    int
}

func (f *fakeFullscreen) Enter(ctx context.Context) error {
	f.mu.Lock()
	f.enters++
	err := f.enterErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.set(true)
	return nil
}

func (f *fakeFullscreen) Exit(ctx context.Context) error {
	f.mu.Lock()
	f.exits++
	f.mu.Unlock()
	f.set(false)
	return nil
}

type fakeGrant struct {
	mu       sync.Mutex
	released int
}

func (g *fakeGrant) Release() {
	g.mu.Lock()
	g.released++
	g.mu.Unlock()
}

func (g *fakeGrant) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// ─── Gateway ────────────────────────────────────────────────────────

var errUnavailable = errors.New("service unavailable")

type fakeGateway struct {
	mu sync.Mutex

	login     *model.LoginResponse
	loginErr  error
	set       *model.QuestionSet
	failFinal int
	// failReports fails that many ReportViolations calls.
	failReports int

	saves      []model.SaveAnswersRequest
	finalizes  int
	terminates []model.TerminateRequest
	reported   [][]model.ViolationEvent
}

func (g *fakeGateway) Login(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error) {
	if g.loginErr != nil {
		return nil, g.loginErr
	}
	return g.login, nil
}

func (g *fakeGateway) FetchQuestions(ctx context.Context, examID uuid.UUID) (*model.QuestionSet, error) {
	return g.set, nil
}

func (g *fakeGateway) SaveAnswers(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswersRequest) (*model.SaveSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saves = append(g.saves, req)
	return &model.SaveSummary{
		AttemptID:     attemptID,
		AnswerCount:   len(req.Answers),
		Status:        model.AttemptStatusSubmitted,
		Result:        model.AttemptResultPassed,
		FinalizedWith: &model.FinalResult{Score: len(req.Answers), Result: model.AttemptResultPassed},
	}, nil
}

func (g *fakeGateway) Finalize(ctx context.Context, attemptID uuid.UUID) (*model.FinalResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalizes++
	if g.failFinal > 0 {
		g.failFinal--
		return nil, errUnavailable
	}
	return &model.FinalResult{Result: model.AttemptResultFailed}, nil
}

func (g *fakeGateway) Terminate(ctx context.Context, attemptID uuid.UUID, req model.TerminateRequest) (*model.FinalResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminates = append(g.terminates, req)
	return &model.FinalResult{Result: model.AttemptResultCancelled}, nil
}

func (g *fakeGateway) ReportViolations(ctx context.Context, attemptID uuid.UUID, events []model.ViolationEvent) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failReports > 0 {
		g.failReports--
		return 0, errUnavailable
	}
	g.reported = append(g.reported, events)
	return len(events), nil
}

func (g *fakeGateway) reportCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reported)
}

// reportedEvents flattens every accepted report in arrival order.
func (g *fakeGateway) reportedEvents() []model.ViolationEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.ViolationEvent
	for _, batch := range g.reported {
		out = append(out, batch...)
	}
	return out
}

// outcomes counts every call that closes the attempt server-side.
func (g *fakeGateway) outcomes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.saves) + g.finalizes + len(g.terminates)
}

func (g *fakeGateway) terminateCalls() []model.TerminateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.TerminateRequest(nil), g.terminates...)
}
