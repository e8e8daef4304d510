package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves all questions for a given exam, ordered by order_num.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_text, options, correct_option, marks, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.QuestionText, &q.Options, &q.CorrectOption, &q.Marks, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateBatch inserts a question set in one round trip.
func (r *QuestionRepository) CreateBatch(ctx context.Context, questions []model.Question) error {
	batch := &pgx.Batch{}
	for i := range questions {
		q := &questions[i]
		if q.Marks <= 0 {
			q.Marks = model.DefaultQuestionMarks
		}
		batch.Queue(
			`INSERT INTO questions (exam_id, question_text, options, correct_option, marks, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			q.ExamID, q.QuestionText, q.Options, q.CorrectOption, q.Marks, q.OrderNum,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&q.ID)
		})
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
