package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "PENDING"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusReviewed   AttemptStatus = "REVIEWED"
)

// AttemptResult enumerates the outcome of an attempt.
type AttemptResult string

const (
	AttemptResultNotEvaluated AttemptResult = "NOT_EVALUATED"
	AttemptResultPassed       AttemptResult = "PASSED"
	AttemptResultFailed       AttemptResult = "FAILED"
	AttemptResultCancelled    AttemptResult = "CANCELLED"
)

// Answer is one graded answer embedded in an attempt.
type Answer struct {
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedOption int       `json:"selected_option"`
	IsCorrect      bool      `json:"is_correct"`
	MarksObtained  int       `json:"marks_obtained"`
}

// ExamAttempt is one student's single try at one exam. It is provisioned
// before the student logs in and is never deleted.
type ExamAttempt struct {
	ID            uuid.UUID     `json:"id"`
	StudentID     int           `json:"student_id"`
	ExamID        uuid.UUID     `json:"exam_id"`
	ExamCode      string        `json:"-"`
	Answers       []Answer      `json:"answers"`
	TotalMarks    int           `json:"total_marks_obtained"`
	Status        AttemptStatus `json:"status"`
	Result        AttemptResult `json:"result"`
	QuestionOrder []uuid.UUID   `json:"-"`
	Version       int           `json:"-"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AnswerFor returns the saved answer for a question, if any.
func (a *ExamAttempt) AnswerFor(questionID uuid.UUID) (Answer, bool) {
	for _, ans := range a.Answers {
		if ans.QuestionID == questionID {
			return ans, true
		}
	}
	return Answer{}, false
}

// AnswerInput is one client-submitted answer before grading.
type AnswerInput struct {
	QuestionID     string `json:"question_id" binding:"required,uuid"`
	SelectedOption *int   `json:"selected_option" binding:"required,min=0"`
}

// SaveAnswersRequest replaces the attempt's answer list. When Complete is set
// the attempt is finalized in the same call.
type SaveAnswersRequest struct {
	Answers  []AnswerInput `json:"answers" binding:"dive"`
	Complete bool          `json:"complete"`
}

// TerminateRequest force-closes an attempt after an unresolved violation.
type TerminateRequest struct {
	Answers []AnswerInput `json:"answers" binding:"dive"`
	Reason  ViolationType `json:"reason" binding:"omitempty,oneof=webcam_disabled fullscreen_exit tab_switch"`
}

// SaveSummary is returned after an answer batch is committed.
type SaveSummary struct {
	AttemptID     uuid.UUID     `json:"exam_attempt_id"`
	AnswerCount   int           `json:"answer_count"`
	TotalMarks    int           `json:"total_marks_obtained"`
	Status        AttemptStatus `json:"status"`
	Result        AttemptResult `json:"result"`
	FinalizedWith *FinalResult  `json:"final,omitempty"`
}

// FinalResult is the outcome of finalizing an attempt.
type FinalResult struct {
	Score     int           `json:"score"`
	MaxScore  int           `json:"max_score"`
	Threshold float64       `json:"threshold"`
	Result    AttemptResult `json:"result"`
}

// AttemptSummary lets a reconnecting client resume its countdown.
type AttemptSummary struct {
	ID               uuid.UUID     `json:"id"`
	ExamID           uuid.UUID     `json:"exam_id"`
	Status           AttemptStatus `json:"status"`
	Result           AttemptResult `json:"result"`
	TotalMarks       int           `json:"total_marks_obtained"`
	AnswerCount      int           `json:"answer_count"`
	RemainingSeconds int           `json:"remaining_seconds"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}
