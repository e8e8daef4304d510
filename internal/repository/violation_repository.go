package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository persists the proctoring ledger of attempts.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// BulkInsert copies a batch of ledger entries.
func (r *ViolationRepository) BulkInsert(ctx context.Context, records []model.ViolationRecord) error {
	rows := make([][]interface{}, 0, len(records))
	for _, v := range records {
		rows = append(rows, []interface{}{v.AttemptID, string(v.Type), v.OccurredAt, v.Resolved, v.RecordedAt})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_violations"},
		[]string{"exam_attempt_id", "type", "occurred_at", "resolved", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert stores a single ledger entry.
func (r *ViolationRepository) Insert(ctx context.Context, v model.ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (exam_attempt_id, type, occurred_at, resolved, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		v.AttemptID, string(v.Type), v.OccurredAt, v.Resolved, v.RecordedAt,
	)
	return err
}

// ListByAttempt returns the ledger of an attempt in occurrence order.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_attempt_id, type, occurred_at, resolved, recorded_at
		 FROM attempt_violations WHERE exam_attempt_id = $1
		 ORDER BY occurred_at, id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ViolationRecord
	for rows.Next() {
		var v model.ViolationRecord
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.Type, &v.OccurredAt, &v.Resolved, &v.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, v)
	}
	return records, rows.Err()
}
