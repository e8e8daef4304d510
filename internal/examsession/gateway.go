package examsession

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

// ProctorChannel carries the violation ledger and forced termination to the
// server of record.
type ProctorChannel interface {
	ReportViolations(ctx context.Context, attemptID uuid.UUID, events []model.ViolationEvent) (int, error)
	Terminate(ctx context.Context, attemptID uuid.UUID, req model.TerminateRequest) (*model.FinalResult, error)
}

// AttemptGateway is the attempt service as seen by the exam client.
type AttemptGateway interface {
	ProctorChannel
	Login(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error)
	FetchQuestions(ctx context.Context, examID uuid.UUID) (*model.QuestionSet, error)
	SaveAnswers(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswersRequest) (*model.SaveSummary, error)
	Finalize(ctx context.Context, attemptID uuid.UUID) (*model.FinalResult, error)
}

// Camera is a camera monitor that can re-acquire its device.
type Camera interface {
	signal.EnvironmentSignal
	Reconnect() bool
}

// Fullscreen is a fullscreen monitor that can request and leave fullscreen.
type Fullscreen interface {
	signal.EnvironmentSignal
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// Monitors groups the signals one session owns.
type Monitors struct {
	Camera     Camera
	Fullscreen Fullscreen
	Focus      signal.EnvironmentSignal
}

// Grant is a capability handle acquired while asking for permission, such
// as a microphone probe. It is released on teardown.
type Grant interface {
	Release()
}
