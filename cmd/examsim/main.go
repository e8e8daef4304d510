// Command examsim runs one simulated student through a proctored exam
// against a live server, using the real client engine and a scripted host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/attemptclient"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/examsession"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/signal"
	"github.com/stemsi/exstem-proctor/internal/simhost"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "attempt service base URL")
	examFlag := flag.String("exam", "", "exam id")
	email := flag.String("email", "", "student email")
	code := flag.String("code", "", "exam code")
	scenarioPath := flag.String("scenario", "", "YAML scenario file (default: answer everything, no disturbances)")
	stream := flag.Bool("stream", false, "report violations over the proctor websocket")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logger.Setup(*logLevel, "auto")

	examID, err := uuid.Parse(*examFlag)
	if err != nil || *email == "" || *code == "" {
		fmt.Fprintln(os.Stderr, "usage: examsim -exam <uuid> -email <email> -code <XXXX-XXXX> [-scenario file.yaml] [-stream]")
		os.Exit(2)
	}

	scenario := simhost.DefaultScenario
	if *scenarioPath != "" {
		s, err := simhost.LoadScenario(*scenarioPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load scenario")
		}
		scenario = *s
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, log, runOptions{
		server:   *server,
		examID:   examID,
		email:    *email,
		code:     *code,
		scenario: &scenario,
		stream:   *stream,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}

	fmt.Printf("phase=%s score=%d/%d result=%s", result.Phase, result.Result.Score, result.Result.MaxScore, result.Result.Result)
	if result.Reason != "" {
		fmt.Printf(" reason=%s", result.Reason)
	}
	fmt.Println()
}

type runOptions struct {
	server   string
	examID   uuid.UUID
	email    string
	code     string
	scenario *simhost.Scenario
	stream   bool
}

func run(ctx context.Context, log zerolog.Logger, opts runOptions) (examsession.State, error) {
	proctorCfg := config.LoadProctor()
	sessionCfg, err := examsession.NewConfig(proctorCfg)
	if err != nil {
		return examsession.State{}, err
	}

	host := simhost.New()
	monitors := examsession.Monitors{
		Camera: signal.NewCameraMonitor(host, signal.CameraConfig{
			PollInterval:   proctorCfg.PollInterval,
			ReconnectDelay: proctorCfg.ReconnectDelay,
			AutoReconnect:  true,
		}, log),
		Fullscreen: signal.NewFullscreenMonitor(host, 0, log),
		Focus:      signal.NewFocusMonitor(host, log),
	}

	client := attemptclient.New(opts.server, nil, log)
	ctrl := examsession.New(client, monitors, sessionCfg, log)
	defer ctrl.Close()

	st, err := ctrl.Login(ctx, opts.examID, opts.email, opts.code)
	if err != nil {
		return st, fmt.Errorf("login: %w", err)
	}
	for _, capability := range examsession.RequiredCapabilities {
		var g examsession.Grant
		if capability == examsession.CapabilityMicrophone {
			g = host.ProbeMicrophone()
		}
		if _, err := ctrl.Grant(capability, g); err != nil {
			return ctrl.Snapshot(), err
		}
	}

	if _, err := ctrl.Prepare(ctx); err != nil {
		return ctrl.Snapshot(), fmt.Errorf("prepare: %w", err)
	}

	if opts.stream {
		ps, err := attemptclient.DialProctor(ctx, opts.server, st.AttemptID, client.AccessToken(), log)
		if err != nil {
			return ctrl.Snapshot(), err
		}
		defer ps.Close()
		ctrl.WithProctorChannel(ps)
	}

	st, err = ctrl.Begin(ctx)
	if err != nil {
		return st, fmt.Errorf("begin: %w", err)
	}

	playCtx, cancelPlay := context.WithCancel(ctx)
	defer cancelPlay()
	go func() {
		if err := opts.scenario.Play(playCtx, host); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Scenario stopped")
		}
	}()

	if err := answerAll(ctx, ctrl, opts.scenario); err != nil {
		return ctrl.Snapshot(), err
	}
	if !wait(ctx, opts.scenario.SubmitAfter, ctrl) {
		if _, err := ctrl.Submit(ctx, true); err != nil && !errors.Is(err, examsession.ErrInvalidPhase) {
			log.Warn().Err(err).Msg("Submit failed")
		}
	}

	return awaitResult(ctx, ctrl, log)
}

// answerAll answers every question in display order, pacing by AnswerEvery.
// It stops early once the exam ends.
func answerAll(ctx context.Context, ctrl *examsession.Controller, s *simhost.Scenario) error {
	if s.Answer == simhost.AnswerNone {
		return nil
	}
	for _, q := range ctrl.Snapshot().Questions {
		if wait(ctx, s.AnswerEvery, ctrl) {
			return nil
		}
		opt := 0
		if s.Answer == simhost.AnswerRandom && len(q.Options) > 0 {
			opt = rand.IntN(len(q.Options))
		}
		if _, err := ctrl.Answer(q.ID, opt); err != nil {
			if errors.Is(err, examsession.ErrInvalidPhase) {
				return nil
			}
			return err
		}
	}
	return nil
}

// wait sleeps for d and reports whether the exam ended in the meantime.
func wait(ctx context.Context, d time.Duration, ctrl *examsession.Controller) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ctrl.Snapshot().Phase != examsession.PhaseInProgress {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
}

// awaitResult waits for the outcome upload. A failed upload is retried once.
func awaitResult(ctx context.Context, ctrl *examsession.Controller, log zerolog.Logger) (examsession.State, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := ctrl.Snapshot()
		if st.Finished() && st.Result != nil {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
		if !st.Finished() {
			continue
		}
		next, err := ctrl.Submit(ctx, true)
		switch {
		case err == nil && next.Result != nil:
			return next, nil
		case err != nil && !errors.Is(err, examsession.ErrInvalidPhase):
			log.Warn().Err(err).Msg("Outcome upload retry failed")
			return next, err
		}
	}
}
