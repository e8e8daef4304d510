package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrStaleAttempt is returned when an attempt changed between read and write.
	ErrStaleAttempt     = errors.New("attempt was modified by another request")
	ErrDuplicateAttempt = errors.New("attempt already provisioned for this student and exam")
)

const attemptColumns = `id, student_id, exam_id, exam_code, answers, total_marks, status, result,
	question_order, version, started_at, completed_at, created_at, updated_at`

// QuestionOrder is the issued question sequence of one attempt.
type QuestionOrder struct {
	AttemptID uuid.UUID
	Order     []uuid.UUID
}

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

// GetByStudentAndExam retrieves the single attempt of a student for an exam.
func (r *AttemptRepository) GetByStudentAndExam(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamAttempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE student_id = $1 AND exam_id = $2`,
		studentID, examID)
	return scanAttempt(row)
}

// Update writes the mutable state of an attempt if its version still equals
// expectedVersion. On success a.Version holds the new version.
func (r *AttemptRepository) Update(ctx context.Context, a *model.ExamAttempt, expectedVersion int) error {
	answers := a.Answers
	if answers == nil {
		answers = []model.Answer{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`UPDATE exam_attempts
		 SET answers = $1, total_marks = $2, status = $3, result = $4,
		     started_at = $5, completed_at = $6,
		     version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $7 AND version = $8
		 RETURNING version, updated_at`,
		answersJSON, a.TotalMarks, a.Status, a.Result, a.StartedAt, a.CompletedAt, a.ID, expectedVersion,
	).Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleAttempt
	}
	return err
}

// Create provisions an attempt. Used by the seeder in place of the external
// provisioning system.
func (r *AttemptRepository) Create(ctx context.Context, a *model.ExamAttempt) error {
	a.Status = model.AttemptStatusPending
	a.Result = model.AttemptResultNotEvaluated
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (student_id, exam_id, exam_code, status, result)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, version, created_at, updated_at`,
		a.StudentID, a.ExamID, a.ExamCode, a.Status, a.Result,
	).Scan(&a.ID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAttempt
		}
		return err
	}
	return nil
}

// SaveQuestionOrder records the issued question order of one attempt.
func (r *AttemptRepository) SaveQuestionOrder(ctx context.Context, o QuestionOrder) error {
	ob, err := json.Marshal(o.Order)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_attempts SET question_order = $1 WHERE id = $2`,
		ob, o.AttemptID,
	)
	return err
}

// SaveQuestionOrders records many issued orders in one statement.
func (r *AttemptRepository) SaveQuestionOrders(ctx context.Context, orders []QuestionOrder) error {
	ids := make([]uuid.UUID, 0, len(orders))
	payloads := make([][]byte, 0, len(orders))
	for _, o := range orders {
		ob, err := json.Marshal(o.Order)
		if err != nil {
			return err
		}
		ids = append(ids, o.AttemptID)
		payloads = append(payloads, ob)
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts AS a
		 SET question_order = t.qo
		 FROM UNNEST($1::uuid[], $2::jsonb[]) AS t (id, qo)
		 WHERE a.id = t.id`,
		ids, payloads,
	)
	return err
}

func scanAttempt(row pgx.Row) (*model.ExamAttempt, error) {
	a := &model.ExamAttempt{}
	var answersJSON, orderJSON []byte
	err := row.Scan(&a.ID, &a.StudentID, &a.ExamID, &a.ExamCode, &answersJSON, &a.TotalMarks,
		&a.Status, &a.Result, &orderJSON, &a.Version, &a.StartedAt, &a.CompletedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(answersJSON) > 0 {
		if err := json.Unmarshal(answersJSON, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	if len(orderJSON) > 0 {
		if err := json.Unmarshal(orderJSON, &a.QuestionOrder); err != nil {
			return nil, fmt.Errorf("decode question order: %w", err)
		}
	}
	return a, nil
}
