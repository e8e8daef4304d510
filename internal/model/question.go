package model

import (
	"github.com/google/uuid"
)

// DefaultQuestionMarks is applied when a question is provisioned without marks.
const DefaultQuestionMarks = 1

// Question represents a single multiple-choice question.
type Question struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	QuestionText  string    `json:"question_text"`
	Options       []string  `json:"options"`
	CorrectOption int       `json:"-"`
	Marks         int       `json:"marks"`
	OrderNum      int       `json:"order_num"`
}

// ValidOption reports whether idx addresses one of the question's options.
func (q *Question) ValidOption(idx int) bool {
	return idx >= 0 && idx < len(q.Options)
}

// TotalMarks sums the marks of a question set.
func TotalMarks(questions []Question) int {
	total := 0
	for i := range questions {
		total += questions[i].Marks
	}
	return total
}

// QuestionForStudent is a question without the correct answer, with the
// student's previously saved selection overlaid.
type QuestionForStudent struct {
	ID             uuid.UUID `json:"question_id"`
	QuestionText   string    `json:"question_text"`
	Options        []string  `json:"options"`
	Marks          int       `json:"marks"`
	SelectedOption *int      `json:"selected_option"`
}

// QuestionSet is the randomized, resumable question list issued to a student.
type QuestionSet struct {
	ExamAttemptID    uuid.UUID            `json:"exam_attempt_id"`
	Status           AttemptStatus        `json:"status"`
	DurationSeconds  int                  `json:"duration_seconds"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	Questions        []QuestionForStudent `json:"questions"`
}
