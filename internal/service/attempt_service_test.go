package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "ABCD-2345"

type fixture struct {
	svc       *AttemptService
	attempts  *memAttempts
	events    *fakeEvents
	sessions  *fakeSessions
	exam      *model.Exam
	questions []model.Question
	student   *model.Student
	attemptID uuid.UUID
	now       time.Time
}

func intp(v int) *int { return &v }

func question(examID uuid.UUID, correct, marks int) model.Question {
	return model.Question{
		ID:            uuid.New(),
		ExamID:        examID,
		QuestionText:  "q",
		Options:       []string{"a", "b", "c", "d"},
		CorrectOption: correct,
		Marks:         marks,
	}
}

// newFixture provisions one published exam with three questions worth
// 2, 3 and 5 marks, and a pending attempt for student 7.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Fisika",
		StartDate:       now.Add(-time.Hour),
		EndDate:         now.Add(2 * time.Hour),
		Status:          model.ExamStatusPublished,
		DurationMinutes: 30,
		PassingPercent:  50,
	}
	questions := []model.Question{
		question(exam.ID, 1, 2),
		question(exam.ID, 0, 3),
		question(exam.ID, 3, 5),
	}
	return buildFixture(t, now, exam, questions)
}

func buildFixture(t *testing.T, now time.Time, exam *model.Exam, questions []model.Question) *fixture {
	t.Helper()
	student := &model.Student{ID: 7, FullName: "Siti", Email: "siti@example.sch.id"}
	attempt := &model.ExamAttempt{
		ID:        uuid.New(),
		StudentID: student.ID,
		ExamID:    exam.ID,
		ExamCode:  testCode,
		Status:    model.AttemptStatusPending,
		Result:    model.AttemptResultNotEvaluated,
	}

	f := &fixture{
		attempts:  newMemAttempts(attempt),
		events:    &fakeEvents{},
		sessions:  &fakeSessions{},
		exam:      exam,
		questions: questions,
		student:   student,
		attemptID: attempt.ID,
		now:       now,
	}
	f.svc = NewAttemptService(
		memStudents{student.Email: student},
		memExams{exam.ID: exam},
		memQuestions{exam.ID: questions},
		f.attempts, f.sessions, f.events, zerolog.Nop(),
	)
	f.svc.now = func() time.Time { return f.now }
	f.svc.shuffle = func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	return f
}

// start issues the questions once, moving the attempt to in-progress.
func (f *fixture) start(t *testing.T) *model.QuestionSet {
	t.Helper()
	set, err := f.svc.FetchQuestions(context.Background(), f.exam.ID, f.student.ID)
	require.NoError(t, err)
	return set
}

func (f *fixture) input(i, option int) model.AnswerInput {
	return model.AnswerInput{QuestionID: f.questions[i].ID.String(), SelectedOption: intp(option)}
}

func assertReason(t *testing.T, err error, kind *apperr.Error, reason apperr.Reason) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "kind of %v", err)
	assert.Equal(t, reason, apperr.ReasonOf(err))
}

// ─── Login ────────────────────────────────────────────────────────────────

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Login(context.Background(), f.exam.ID, f.student.Email, testCode)
	require.NoError(t, err)
	assert.Equal(t, f.attemptID.String(), res.ExamAttemptID)
	assert.Equal(t, f.student.ID, res.User.ID)
	assert.NotEmpty(t, res.Tokens.AccessToken)

	stored := f.attempts.get(f.attemptID)
	assert.Equal(t, model.AttemptStatusPending, stored.Status)
	assert.Zero(t, f.attempts.updates)
}

func TestLogin_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		email  string
		code   string
		kind   *apperr.Error
		reason apperr.Reason
	}{
		{name: "wrong code", code: "ZZZZ-9999", kind: apperr.ErrUnauthorized, reason: apperr.ReasonInvalidCode},
		{name: "unknown student", email: "nobody@example.sch.id", kind: apperr.ErrNotFound, reason: apperr.ReasonStudentNotFound},
		{
			name:   "after end date even with wrong code",
			mutate: func(f *fixture) { f.now = f.exam.EndDate.Add(time.Second) },
			code:   "ZZZZ-9999",
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonExamClosed,
		},
		{
			name:   "cancelled exam",
			mutate: func(f *fixture) { f.exam.Status = model.ExamStatusCancelled },
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonExamClosed,
		},
		{
			name:   "draft exam",
			mutate: func(f *fixture) { f.exam.Status = model.ExamStatusDraft },
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonExamNotOpen,
		},
		{
			name:   "before start date",
			mutate: func(f *fixture) { f.now = f.exam.StartDate.Add(-time.Minute) },
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonExamNotOpen,
		},
		{
			name: "not enrolled",
			mutate: func(f *fixture) {
				f.attempts.mu.Lock()
				f.attempts.rows[f.attemptID].StudentID = 99
				f.attempts.mu.Unlock()
			},
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonNotEnrolled,
		},
		{
			name: "already submitted",
			mutate: func(f *fixture) {
				f.attempts.mu.Lock()
				f.attempts.rows[f.attemptID].Status = model.AttemptStatusSubmitted
				f.attempts.mu.Unlock()
			},
			kind:   apperr.ErrStateConflict,
			reason: apperr.ReasonAlreadySubmitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.mutate != nil {
				tt.mutate(f)
			}
			email, code := f.student.Email, testCode
			if tt.email != "" {
				email = tt.email
			}
			if tt.code != "" {
				code = tt.code
			}

			res, err := f.svc.Login(context.Background(), f.exam.ID, email, code)
			assert.Nil(t, res)
			assertReason(t, err, tt.kind, tt.reason)
			assert.Zero(t, f.sessions.issued)
			assert.Zero(t, f.attempts.updates)
		})
	}
}

func TestLogin_UnknownExam(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), uuid.New(), f.student.Email, testCode)
	assertReason(t, err, apperr.ErrNotFound, apperr.ReasonExamNotFound)
}

// ─── FetchQuestions ──────────────────────────────────────────────────────

func TestFetchQuestions_StartsPendingAttempt(t *testing.T) {
	f := newFixture(t)

	set := f.start(t)
	assert.Equal(t, model.AttemptStatusInProgress, set.Status)
	assert.Equal(t, 30*60, set.DurationSeconds)
	assert.Equal(t, 30*60, set.RemainingSeconds)
	require.Len(t, set.Questions, 3)

	// The fixture's shuffle reverses the stored order.
	assert.Equal(t, f.questions[2].ID, set.Questions[0].ID)
	assert.Equal(t, f.questions[0].ID, set.Questions[2].ID)
	for _, q := range set.Questions {
		assert.Nil(t, q.SelectedOption)
	}

	stored := f.attempts.get(f.attemptID)
	assert.Equal(t, model.AttemptStatusInProgress, stored.Status)
	require.NotNil(t, stored.StartedAt)
	assert.Equal(t, f.now, *stored.StartedAt)

	require.Len(t, f.events.orders, 1)
	assert.Equal(t, []uuid.UUID{f.questions[2].ID, f.questions[1].ID, f.questions[0].ID}, f.events.orders[0].Order)
}

func TestFetchQuestions_ResumeOverlaysSavedSelections(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(1, 2)}, false)
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	set := f.start(t)
	assert.Equal(t, 20*60, set.RemainingSeconds)

	selected := map[uuid.UUID]*int{}
	for _, q := range set.Questions {
		selected[q.ID] = q.SelectedOption
	}
	require.NotNil(t, selected[f.questions[1].ID])
	assert.Equal(t, 2, *selected[f.questions[1].ID])
	assert.Nil(t, selected[f.questions[0].ID])
	assert.Nil(t, selected[f.questions[2].ID])
}

func TestFetchQuestions_Errors(t *testing.T) {
	t.Run("no questions", func(t *testing.T) {
		f := newFixture(t)
		f.svc.questions = memQuestions{}
		_, err := f.svc.FetchQuestions(context.Background(), f.exam.ID, f.student.ID)
		assertReason(t, err, apperr.ErrNotFound, apperr.ReasonNoQuestions)
	})
	t.Run("closed exam does not start", func(t *testing.T) {
		f := newFixture(t)
		f.now = f.exam.EndDate.Add(time.Minute)
		_, err := f.svc.FetchQuestions(context.Background(), f.exam.ID, f.student.ID)
		assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonExamClosed)
		assert.Equal(t, model.AttemptStatusPending, f.attempts.get(f.attemptID).Status)
	})
	t.Run("not enrolled", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.FetchQuestions(context.Background(), f.exam.ID, 42)
		assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonNotEnrolled)
	})
}

// ─── SaveAttempt ─────────────────────────────────────────────────────────

func TestSaveAttempt_TotalIsSumOfMarks(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	summary, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID, []model.AnswerInput{
		f.input(0, 1), // correct, 2 marks
		f.input(1, 2), // wrong
		f.input(2, 3), // correct, 5 marks
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.AnswerCount)
	assert.Equal(t, 7, summary.TotalMarks)
	assert.Equal(t, model.AttemptStatusInProgress, summary.Status)
	assert.Nil(t, summary.FinalizedWith)

	stored := f.attempts.get(f.attemptID)
	sum := 0
	for _, a := range stored.Answers {
		sum += a.MarksObtained
	}
	assert.Equal(t, stored.TotalMarks, sum)
	assert.True(t, stored.Answers[0].IsCorrect)
	assert.False(t, stored.Answers[1].IsCorrect)
}

func TestSaveAttempt_SecondBatchReplacesFirst(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(0, 1), f.input(2, 3)}, false)
	require.NoError(t, err)

	summary, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(1, 0)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AnswerCount)
	assert.Equal(t, 3, summary.TotalMarks)

	stored := f.attempts.get(f.attemptID)
	require.Len(t, stored.Answers, 1)
	assert.Equal(t, f.questions[1].ID, stored.Answers[0].QuestionID)
}

func TestSaveAttempt_DuplicateQuestionKeepsLastSelection(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	summary, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID, []model.AnswerInput{
		f.input(0, 0),
		f.input(1, 0),
		f.input(0, 1),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.AnswerCount)
	assert.Equal(t, 5, summary.TotalMarks)

	stored := f.attempts.get(f.attemptID)
	assert.Equal(t, f.questions[0].ID, stored.Answers[0].QuestionID)
	assert.Equal(t, 1, stored.Answers[0].SelectedOption)
}

func TestSaveAttempt_RejectsWithoutMutation(t *testing.T) {
	foreign := uuid.New().String()
	tests := []struct {
		name    string
		student int
		inputs  func(f *fixture) []model.AnswerInput
		kind    *apperr.Error
		reason  apperr.Reason
	}{
		{
			name:   "empty batch",
			inputs: func(f *fixture) []model.AnswerInput { return nil },
			kind:   apperr.ErrValidation, reason: apperr.ReasonEmptyBatch,
		},
		{
			name: "foreign question",
			inputs: func(f *fixture) []model.AnswerInput {
				return []model.AnswerInput{f.input(0, 1), {QuestionID: foreign, SelectedOption: intp(0)}}
			},
			kind: apperr.ErrNotFound, reason: apperr.ReasonQuestionNotFound,
		},
		{
			name:   "option out of range",
			inputs: func(f *fixture) []model.AnswerInput { return []model.AnswerInput{f.input(0, 4)} },
			kind:   apperr.ErrValidation, reason: apperr.ReasonInvalidOption,
		},
		{
			name:    "someone else's attempt",
			student: 8,
			inputs:  func(f *fixture) []model.AnswerInput { return []model.AnswerInput{f.input(0, 1)} },
			kind:    apperr.ErrNotFound, reason: apperr.ReasonAttemptNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t)
			before := f.attempts.get(f.attemptID)

			student := f.student.ID
			if tt.student != 0 {
				student = tt.student
			}
			_, err := f.svc.SaveAttempt(context.Background(), student, f.attemptID, tt.inputs(f), false)
			assertReason(t, err, tt.kind, tt.reason)
			assert.Equal(t, before, f.attempts.get(f.attemptID))
		})
	}
}

func TestSaveAttempt_RequiresInProgress(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(0, 1)}, false)
	assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonNotInProgress)

	f.start(t)
	_, err = f.svc.Finalize(context.Background(), f.student.ID, f.attemptID)
	require.NoError(t, err)

	_, err = f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(0, 1)}, false)
	assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonAlreadySubmitted)
}

func TestSaveAttempt_CompleteFinalizes(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	summary, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(2, 3)}, true)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, summary.Status)
	require.NotNil(t, summary.FinalizedWith)
	assert.Equal(t, 5, summary.FinalizedWith.Score)
	assert.Equal(t, 10, summary.FinalizedWith.MaxScore)
	assert.Equal(t, model.AttemptResultPassed, summary.FinalizedWith.Result)

	stored := f.attempts.get(f.attemptID)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, model.AttemptResultPassed, stored.Result)
}

func TestSaveAttempt_StaleWriteIsConflict(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.attempts.beforeUpdate = func(a *model.ExamAttempt) { a.Version++ }

	_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(0, 1)}, false)
	assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonConcurrentWrite)
}

func TestSaveAttempt_ConcurrentBatchesSerialize(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
				[]model.AnswerInput{f.input(i%3, i%4)}, false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	stored := f.attempts.get(f.attemptID)
	assert.Equal(t, 1+writers, stored.Version)
	require.Len(t, stored.Answers, 1)
	assert.Equal(t, stored.Answers[0].MarksObtained, stored.TotalMarks)
	assert.Zero(t, f.svc.locks.size())
}

// ─── Finalize ────────────────────────────────────────────────────────────

func TestFinalize_PassingThreshold(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	newTwoQuestion := func() *fixture {
		exam := &model.Exam{
			ID:              uuid.New(),
			StartDate:       now.Add(-time.Hour),
			EndDate:         now.Add(time.Hour),
			Status:          model.ExamStatusPublished,
			DurationMinutes: 10,
			PassingPercent:  50,
		}
		return buildFixture(t, now, exam, []model.Question{question(exam.ID, 0, 1), question(exam.ID, 0, 1)})
	}

	t.Run("half correct passes", func(t *testing.T) {
		f := newTwoQuestion()
		f.start(t)
		_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
			[]model.AnswerInput{f.input(0, 0), f.input(1, 1)}, false)
		require.NoError(t, err)

		res, err := f.svc.Finalize(context.Background(), f.student.ID, f.attemptID)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Score)
		assert.Equal(t, 2, res.MaxScore)
		assert.InDelta(t, 1.0, res.Threshold, 1e-9)
		assert.Equal(t, model.AttemptResultPassed, res.Result)
	})

	t.Run("no answers fails", func(t *testing.T) {
		f := newTwoQuestion()
		f.start(t)

		res, err := f.svc.Finalize(context.Background(), f.student.ID, f.attemptID)
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Equal(t, model.AttemptResultFailed, res.Result)

		_, err = f.svc.Finalize(context.Background(), f.student.ID, f.attemptID)
		assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonAlreadySubmitted)
	})
}

func TestPassingThreshold(t *testing.T) {
	assert.InDelta(t, 5.0, PassingThreshold(50, 10), 1e-9)
	assert.InDelta(t, 7.5, PassingThreshold(75, 10), 1e-9)
	assert.InDelta(t, 0.0, PassingThreshold(60, 0), 1e-9)
}

// ─── Terminate ───────────────────────────────────────────────────────────

func TestTerminate_CancelsOnceAndRepeats(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res, err := f.svc.Terminate(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(1, 0)}, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptResultCancelled, res.Result)
	assert.Equal(t, 3, res.Score)
	assert.Equal(t, 10, res.MaxScore)

	stored := f.attempts.get(f.attemptID)
	assert.Equal(t, model.AttemptStatusSubmitted, stored.Status)
	assert.Equal(t, model.AttemptResultCancelled, stored.Result)
	require.NotNil(t, stored.CompletedAt)
	version := stored.Version

	again, err := f.svc.Terminate(context.Background(), f.student.ID, f.attemptID, nil, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.Equal(t, res.Score, again.Score)
	assert.Equal(t, version, f.attempts.get(f.attemptID).Version)
}

func TestTerminate_KeepsSavedAnswersWithoutBatch(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.svc.SaveAttempt(context.Background(), f.student.ID, f.attemptID,
		[]model.AnswerInput{f.input(2, 3)}, false)
	require.NoError(t, err)

	res, err := f.svc.Terminate(context.Background(), f.student.ID, f.attemptID, nil, model.ViolationWebcamDisabled)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Score)
	assert.Len(t, f.attempts.get(f.attemptID).Answers, 1)
}

func TestTerminate_AfterNormalSubmitConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.svc.Finalize(context.Background(), f.student.ID, f.attemptID)
	require.NoError(t, err)

	_, err = f.svc.Terminate(context.Background(), f.student.ID, f.attemptID, nil, model.ViolationFullscreenExit)
	assertReason(t, err, apperr.ErrStateConflict, apperr.ReasonAlreadySubmitted)
}

// ─── Violations and summary ──────────────────────────────────────────────

func TestRecordViolations(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(-time.Minute)

	n, err := f.svc.RecordViolations(context.Background(), f.student.ID, f.attemptID, []model.ViolationEvent{
		{Type: model.ViolationTabSwitch, Timestamp: at},
		{Type: model.ViolationTabSwitch, Timestamp: at, Resolved: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.events.violations, 2)
	assert.Equal(t, f.attemptID, f.events.violations[0].AttemptID)
	assert.Equal(t, at, f.events.violations[0].OccurredAt)
	assert.Equal(t, f.now, f.events.violations[0].RecordedAt)
	assert.True(t, f.events.violations[1].Resolved)

	_, err = f.svc.RecordViolations(context.Background(), f.student.ID, f.attemptID, nil)
	assertReason(t, err, apperr.ErrValidation, apperr.ReasonEmptyBatch)

	_, err = f.svc.RecordViolations(context.Background(), 99, f.attemptID, []model.ViolationEvent{{Type: model.ViolationTabSwitch, Timestamp: at}})
	assertReason(t, err, apperr.ErrNotFound, apperr.ReasonAttemptNotFound)
}

func TestGetSummary_RemainingBoundedByEndDate(t *testing.T) {
	f := newFixture(t)
	f.exam.EndDate = f.now.Add(10*time.Minute + 500*time.Millisecond)
	f.start(t)

	summary, err := f.svc.GetSummary(context.Background(), f.student.ID, f.attemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusInProgress, summary.Status)
	assert.Equal(t, 601, summary.RemainingSeconds)

	f.now = f.exam.EndDate.Add(time.Minute)
	summary, err = f.svc.GetSummary(context.Background(), f.student.ID, f.attemptID)
	require.NoError(t, err)
	assert.Zero(t, summary.RemainingSeconds)
}
