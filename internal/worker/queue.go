package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Queue pushes records onto the Redis lists drained by the workers.
type Queue struct {
	rdb redis.Cmdable
}

// NewQueue creates a new Queue.
func NewQueue(rdb redis.Cmdable) *Queue {
	return &Queue{rdb: rdb}
}

// EnqueueQuestionOrder schedules persistence of an issued question order.
func (q *Queue) EnqueueQuestionOrder(ctx context.Context, order repository.QuestionOrder) error {
	raw, err := json.Marshal(newQuestionOrderPayload(order))
	if err != nil {
		return fmt.Errorf("marshal question order: %w", err)
	}
	return q.rdb.RPush(ctx, config.WorkerKey.PersistQuestionOrderQueue, raw).Err()
}

// EnqueueViolations schedules persistence of ledger entries in one round trip.
func (q *Queue) EnqueueViolations(ctx context.Context, records []model.ViolationRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(newViolationPayload(r))
		if err != nil {
			return fmt.Errorf("marshal violation: %w", err)
		}
		values = append(values, raw)
	}
	return q.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, values...).Err()
}
