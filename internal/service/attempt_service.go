package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// StudentFinder looks up students for login.
type StudentFinder interface {
	GetByEmail(ctx context.Context, email string) (*model.Student, error)
}

// ExamFinder reads exam definitions.
type ExamFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// QuestionLister reads the question set of an exam.
type QuestionLister interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// AttemptStore reads and writes attempts. Update must fail with
// repository.ErrStaleAttempt when the stored version differs.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error)
	GetByStudentAndExam(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamAttempt, error)
	Update(ctx context.Context, a *model.ExamAttempt, expectedVersion int) error
}

// SessionIssuer issues credentials after a successful login.
type SessionIssuer interface {
	IssueStudentSession(ctx context.Context, studentID int, attemptID, examID uuid.UUID) (*model.SessionTokens, error)
}

// AttemptEvents receives side records that are persisted asynchronously.
type AttemptEvents interface {
	EnqueueQuestionOrder(ctx context.Context, order repository.QuestionOrder) error
	EnqueueViolations(ctx context.Context, records []model.ViolationRecord) error
}

// AttemptService is the server of record for exam attempts.
type AttemptService struct {
	students  StudentFinder
	exams     ExamFinder
	questions QuestionLister
	attempts  AttemptStore
	sessions  SessionIssuer
	events    AttemptEvents
	locks     *attemptLocks
	log       zerolog.Logger

	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	students StudentFinder,
	exams ExamFinder,
	questions QuestionLister,
	attempts AttemptStore,
	sessions SessionIssuer,
	events AttemptEvents,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		students:  students,
		exams:     exams,
		questions: questions,
		attempts:  attempts,
		sessions:  sessions,
		events:    events,
		locks:     newAttemptLocks(),
		log:       log.With().Str("component", "attempt_service").Logger(),
		now:       time.Now,
		shuffle:   rand.Shuffle,
	}
}

// Login authenticates a student into one exam using the attempt's access code.
// It never mutates the attempt.
func (s *AttemptService) Login(ctx context.Context, examID uuid.UUID, email, code string) (*model.LoginResponse, error) {
	student, err := s.students.GetByEmail(ctx, email)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonStudentNotFound, "get student")
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonExamNotFound, "get exam")
	}

	now := s.now()
	if exam.ClosedAt(now) {
		return nil, apperr.StateConflict(apperr.ReasonExamClosed, "exam is cancelled or has ended")
	}
	if exam.Status == model.ExamStatusDraft || now.Before(exam.StartDate) {
		return nil, apperr.StateConflict(apperr.ReasonExamNotOpen, "exam has not opened yet")
	}

	attempt, err := s.attempts.GetByStudentAndExam(ctx, student.ID, exam.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.StateConflict(apperr.ReasonNotEnrolled, "student is not enrolled in this exam")
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(attempt.ExamCode), []byte(code)) != 1 {
		s.log.Info().Int("student_id", student.ID).Str("exam_id", exam.ID.String()).Msg("Login rejected: invalid exam code")
		return nil, apperr.Unauthorized(apperr.ReasonInvalidCode, "invalid exam code")
	}

	if finished(attempt.Status) {
		return nil, apperr.StateConflict(apperr.ReasonAlreadySubmitted, "attempt already submitted")
	}

	tokens, err := s.sessions.IssueStudentSession(ctx, student.ID, attempt.ID, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.log.Info().
		Int("student_id", student.ID).
		Str("attempt_id", attempt.ID.String()).
		Msg("Student logged in")

	return &model.LoginResponse{
		User:          *student,
		ExamAttemptID: attempt.ID.String(),
		Tokens:        *tokens,
	}, nil
}

// FetchQuestions issues the exam's full question set in a fresh random order.
// Saved selections of an in-progress attempt are overlaid by question id. The
// first fetch of a pending attempt starts it.
func (s *AttemptService) FetchQuestions(ctx context.Context, examID uuid.UUID, studentID int) (*model.QuestionSet, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonExamNotFound, "get exam")
	}

	attempt, err := s.attempts.GetByStudentAndExam(ctx, studentID, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.StateConflict(apperr.ReasonNotEnrolled, "student is not enrolled in this exam")
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	questions, err := s.questions.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, apperr.NotFound(apperr.ReasonNoQuestions, "exam has no questions")
	}

	if attempt.Status == model.AttemptStatusPending {
		attempt, err = s.start(ctx, exam, attempt.ID)
		if err != nil {
			return nil, err
		}
	}

	order := make([]model.Question, len(questions))
	copy(order, questions)
	s.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	overlay := attempt.Status == model.AttemptStatusInProgress
	out := make([]model.QuestionForStudent, 0, len(order))
	issued := make([]uuid.UUID, 0, len(order))
	for _, q := range order {
		item := model.QuestionForStudent{
			ID:           q.ID,
			QuestionText: q.QuestionText,
			Options:      q.Options,
			Marks:        q.Marks,
		}
		if overlay {
			if ans, ok := attempt.AnswerFor(q.ID); ok {
				selected := ans.SelectedOption
				item.SelectedOption = &selected
			}
		}
		out = append(out, item)
		issued = append(issued, q.ID)
	}

	if err := s.events.EnqueueQuestionOrder(ctx, repository.QuestionOrder{AttemptID: attempt.ID, Order: issued}); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to enqueue question order")
	}

	return &model.QuestionSet{
		ExamAttemptID:    attempt.ID,
		Status:           attempt.Status,
		DurationSeconds:  exam.DurationSeconds(),
		RemainingSeconds: remainingSeconds(exam, attempt, s.now()),
		Questions:        out,
	}, nil
}

// start moves a pending attempt to in-progress. A concurrent start by another
// request is tolerated by re-reading the attempt.
func (s *AttemptService) start(ctx context.Context, exam *model.Exam, attemptID uuid.UUID) (*model.ExamAttempt, error) {
	release := s.locks.Lock(attemptID)
	defer release()

	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonAttemptNotFound, "get attempt")
	}
	if attempt.Status != model.AttemptStatusPending {
		return attempt, nil
	}
	if exam.ClosedAt(s.now()) {
		return nil, apperr.StateConflict(apperr.ReasonExamClosed, "exam is cancelled or has ended")
	}

	now := s.now()
	attempt.Status = model.AttemptStatusInProgress
	attempt.StartedAt = &now
	if err := s.attempts.Update(ctx, attempt, attempt.Version); err != nil {
		if errors.Is(err, repository.ErrStaleAttempt) {
			latest, gerr := s.attempts.GetByID(ctx, attemptID)
			if gerr != nil {
				return nil, fmt.Errorf("reload attempt: %w", gerr)
			}
			return latest, nil
		}
		return nil, fmt.Errorf("start attempt: %w", err)
	}

	s.log.Info().Str("attempt_id", attempt.ID.String()).Msg("Attempt started")
	return attempt, nil
}

// SaveAttempt replaces the attempt's answers with a graded copy of the batch.
// With complete set the attempt is finalized in the same write.
func (s *AttemptService) SaveAttempt(ctx context.Context, studentID int, attemptID uuid.UUID, inputs []model.AnswerInput, complete bool) (*model.SaveSummary, error) {
	if len(inputs) == 0 {
		return nil, apperr.Validation(apperr.ReasonEmptyBatch, "answer batch is empty")
	}

	release := s.locks.Lock(attemptID)
	defer release()

	attempt, err := s.ownedAttempt(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}
	if err := requireInProgress(attempt); err != nil {
		return nil, err
	}

	questions, err := s.questions.ListByExam(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	answers, err := gradeAnswers(questions, inputs)
	if err != nil {
		return nil, err
	}

	expected := attempt.Version
	attempt.Answers = answers
	attempt.TotalMarks = sumMarks(answers)

	var final *model.FinalResult
	if complete {
		exam, err := s.exams.GetByID(ctx, attempt.ExamID)
		if err != nil {
			return nil, notFoundOr(err, apperr.ReasonExamNotFound, "get exam")
		}
		final = s.finalizeInPlace(exam, questions, attempt)
	}

	if err := s.write(ctx, attempt, expected); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("answers", len(answers)).
		Int("total_marks", attempt.TotalMarks).
		Bool("complete", complete).
		Msg("Answers saved")

	return &model.SaveSummary{
		AttemptID:     attempt.ID,
		AnswerCount:   len(attempt.Answers),
		TotalMarks:    attempt.TotalMarks,
		Status:        attempt.Status,
		Result:        attempt.Result,
		FinalizedWith: final,
	}, nil
}

// Finalize scores an in-progress attempt and marks it submitted.
func (s *AttemptService) Finalize(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.FinalResult, error) {
	release := s.locks.Lock(attemptID)
	defer release()

	attempt, err := s.ownedAttempt(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}
	if err := requireInProgress(attempt); err != nil {
		return nil, err
	}

	exam, err := s.exams.GetByID(ctx, attempt.ExamID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonExamNotFound, "get exam")
	}
	questions, err := s.questions.ListByExam(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	expected := attempt.Version
	final := s.finalizeInPlace(exam, questions, attempt)
	if err := s.write(ctx, attempt, expected); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("score", final.Score).
		Str("result", string(final.Result)).
		Msg("Attempt finalized")

	return final, nil
}

// Terminate force-closes an attempt after an unresolved violation: the final
// answer batch (if any) is graded and stored, and the attempt is submitted as
// cancelled. Repeating the call returns the stored outcome.
func (s *AttemptService) Terminate(ctx context.Context, studentID int, attemptID uuid.UUID, inputs []model.AnswerInput, reason model.ViolationType) (*model.FinalResult, error) {
	release := s.locks.Lock(attemptID)
	defer release()

	attempt, err := s.ownedAttempt(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}

	questions, err := s.questions.ListByExam(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	if attempt.Result == model.AttemptResultCancelled {
		return &model.FinalResult{
			Score:    attempt.TotalMarks,
			MaxScore: model.TotalMarks(questions),
			Result:   attempt.Result,
		}, nil
	}
	if finished(attempt.Status) {
		return nil, apperr.StateConflict(apperr.ReasonAlreadySubmitted, "attempt already submitted")
	}

	expected := attempt.Version
	if len(inputs) > 0 {
		answers, err := gradeAnswers(questions, inputs)
		if err != nil {
			return nil, err
		}
		attempt.Answers = answers
		attempt.TotalMarks = sumMarks(answers)
	}

	now := s.now()
	if attempt.StartedAt == nil {
		attempt.StartedAt = &now
	}
	attempt.Status = model.AttemptStatusSubmitted
	attempt.Result = model.AttemptResultCancelled
	attempt.CompletedAt = &now

	if err := s.write(ctx, attempt, expected); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("reason", string(reason)).
		Msg("Attempt terminated")

	return &model.FinalResult{
		Score:    attempt.TotalMarks,
		MaxScore: model.TotalMarks(questions),
		Result:   attempt.Result,
	}, nil
}

// RecordViolations appends a slice of the client's violation ledger to the
// attempt's proctoring record. Accepted in any attempt state.
func (s *AttemptService) RecordViolations(ctx context.Context, studentID int, attemptID uuid.UUID, events []model.ViolationEvent) (int, error) {
	if len(events) == 0 {
		return 0, apperr.Validation(apperr.ReasonEmptyBatch, "violation batch is empty")
	}

	attempt, err := s.ownedAttempt(ctx, studentID, attemptID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	records := make([]model.ViolationRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, model.ViolationRecord{
			AttemptID:  attempt.ID,
			Type:       ev.Type,
			OccurredAt: ev.Timestamp,
			Resolved:   ev.Resolved,
			RecordedAt: now,
		})
	}

	if err := s.events.EnqueueViolations(ctx, records); err != nil {
		return 0, fmt.Errorf("enqueue violations: %w", err)
	}
	return len(records), nil
}

// GetSummary returns the attempt's state and remaining time.
func (s *AttemptService) GetSummary(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.AttemptSummary, error) {
	attempt, err := s.ownedAttempt(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}
	exam, err := s.exams.GetByID(ctx, attempt.ExamID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonExamNotFound, "get exam")
	}

	return &model.AttemptSummary{
		ID:               attempt.ID,
		ExamID:           attempt.ExamID,
		Status:           attempt.Status,
		Result:           attempt.Result,
		TotalMarks:       attempt.TotalMarks,
		AnswerCount:      len(attempt.Answers),
		RemainingSeconds: remainingSeconds(exam, attempt, s.now()),
		StartedAt:        attempt.StartedAt,
		CompletedAt:      attempt.CompletedAt,
	}, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────

func (s *AttemptService) ownedAttempt(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, notFoundOr(err, apperr.ReasonAttemptNotFound, "get attempt")
	}
	if attempt.StudentID != studentID {
		return nil, apperr.NotFound(apperr.ReasonAttemptNotFound, "attempt not found")
	}
	return attempt, nil
}

func (s *AttemptService) write(ctx context.Context, attempt *model.ExamAttempt, expected int) error {
	if err := s.attempts.Update(ctx, attempt, expected); err != nil {
		if errors.Is(err, repository.ErrStaleAttempt) {
			return apperr.Wrap(apperr.KindStateConflict, apperr.ReasonConcurrentWrite, err)
		}
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

// finalizeInPlace scores the attempt against the exam's passing percentage
// of the total marks and marks it submitted.
func (s *AttemptService) finalizeInPlace(exam *model.Exam, questions []model.Question, attempt *model.ExamAttempt) *model.FinalResult {
	score := sumMarks(attempt.Answers)
	maxScore := model.TotalMarks(questions)
	threshold := PassingThreshold(exam.PassingPercent, maxScore)

	result := model.AttemptResultFailed
	if float64(score) >= threshold {
		result = model.AttemptResultPassed
	}

	now := s.now()
	attempt.TotalMarks = score
	attempt.Status = model.AttemptStatusSubmitted
	attempt.Result = result
	attempt.CompletedAt = &now

	return &model.FinalResult{
		Score:     score,
		MaxScore:  maxScore,
		Threshold: threshold,
		Result:    result,
	}
}

// PassingThreshold is the minimum score that passes.
func PassingThreshold(percent float64, maxScore int) float64 {
	return percent / 100 * float64(maxScore)
}

// gradeAnswers validates a batch against the exam's questions and returns the
// graded answer list. A question answered twice keeps its last selection at
// the position of its first appearance.
func gradeAnswers(questions []model.Question, inputs []model.AnswerInput) ([]model.Answer, error) {
	byID := make(map[uuid.UUID]*model.Question, len(questions))
	for i := range questions {
		byID[questions[i].ID] = &questions[i]
	}

	answers := make([]model.Answer, 0, len(inputs))
	pos := make(map[uuid.UUID]int, len(inputs))
	for _, in := range inputs {
		qid, err := uuid.Parse(in.QuestionID)
		if err != nil {
			return nil, apperr.NotFound(apperr.ReasonQuestionNotFound, "question "+in.QuestionID+" is not part of this exam")
		}
		q, ok := byID[qid]
		if !ok {
			return nil, apperr.NotFound(apperr.ReasonQuestionNotFound, "question "+in.QuestionID+" is not part of this exam")
		}
		if in.SelectedOption == nil || !q.ValidOption(*in.SelectedOption) {
			return nil, apperr.Validation(apperr.ReasonInvalidOption, "selected option out of range for question "+in.QuestionID)
		}

		selected := *in.SelectedOption
		ans := model.Answer{
			QuestionID:     qid,
			SelectedOption: selected,
			IsCorrect:      selected == q.CorrectOption,
		}
		if ans.IsCorrect {
			ans.MarksObtained = q.Marks
		}

		if i, seen := pos[qid]; seen {
			answers[i] = ans
			continue
		}
		pos[qid] = len(answers)
		answers = append(answers, ans)
	}
	return answers, nil
}

func sumMarks(answers []model.Answer) int {
	total := 0
	for _, a := range answers {
		total += a.MarksObtained
	}
	return total
}

func requireInProgress(a *model.ExamAttempt) error {
	switch a.Status {
	case model.AttemptStatusInProgress:
		return nil
	case model.AttemptStatusSubmitted, model.AttemptStatusReviewed:
		return apperr.StateConflict(apperr.ReasonAlreadySubmitted, "attempt already submitted")
	default:
		return apperr.StateConflict(apperr.ReasonNotInProgress, "attempt is not in progress")
	}
}

func finished(status model.AttemptStatus) bool {
	return status == model.AttemptStatusSubmitted || status == model.AttemptStatusReviewed
}

// remainingSeconds is the countdown left for an attempt, bounded by the
// exam's end date.
func remainingSeconds(exam *model.Exam, attempt *model.ExamAttempt, now time.Time) int {
	if finished(attempt.Status) {
		return 0
	}
	deadline := exam.EndDate
	if attempt.StartedAt != nil {
		if d := attempt.StartedAt.Add(time.Duration(exam.DurationMinutes) * time.Minute); d.Before(deadline) {
			deadline = d
		}
	} else if d := now.Add(time.Duration(exam.DurationMinutes) * time.Minute); d.Before(deadline) {
		deadline = d
	}
	left := deadline.Sub(now).Seconds()
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left))
}

func notFoundOr(err error, reason apperr.Reason, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(reason, string(reason))
	}
	return fmt.Errorf("%s: %w", op, err)
}
