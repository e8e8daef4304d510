package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	QuestionOrderBatchSize    = 50
	QuestionOrderBatchTimeout = 2 * time.Second
	QuestionOrderPollTimeout  = 1 * time.Second
)

// QuestionOrderSink stores issued question orders.
type QuestionOrderSink interface {
	SaveQuestionOrders(ctx context.Context, orders []repository.QuestionOrder) error
	SaveQuestionOrder(ctx context.Context, order repository.QuestionOrder) error
}

type QuestionOrderWorker struct {
	sink QuestionOrderSink
	rdb  redis.Cmdable
	log  zerolog.Logger
}

func NewQuestionOrderWorker(sink QuestionOrderSink, rdb redis.Cmdable, log zerolog.Logger) *QuestionOrderWorker {
	return &QuestionOrderWorker{
		sink: sink,
		rdb:  rdb,
		log:  log.With().Str("component", "question_order_worker").Logger(),
	}
}

type questionOrderPayload struct {
	AttemptID string   `json:"attempt_id"`
	Order     []string `json:"order"`
}

func newQuestionOrderPayload(o repository.QuestionOrder) *questionOrderPayload {
	ids := make([]string, 0, len(o.Order))
	for _, id := range o.Order {
		ids = append(ids, id.String())
	}
	return &questionOrderPayload{AttemptID: o.AttemptID.String(), Order: ids}
}

func (p *questionOrderPayload) questionOrder() (repository.QuestionOrder, error) {
	attemptID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		return repository.QuestionOrder{}, err
	}
	order := make([]uuid.UUID, 0, len(p.Order))
	for _, raw := range p.Order {
		id, err := uuid.Parse(raw)
		if err != nil {
			return repository.QuestionOrder{}, err
		}
		order = append(order, id)
	}
	return repository.QuestionOrder{AttemptID: attemptID, Order: order}, nil
}

func (w *QuestionOrderWorker) Start(ctx context.Context) {
	w.log.Info().Msg("QuestionOrderWorker started")

	batch := make([]*questionOrderPayload, 0, QuestionOrderBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= QuestionOrderBatchSize || time.Since(lastFlush) >= QuestionOrderBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, QuestionOrderPollTimeout, config.WorkerKey.PersistQuestionOrderQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p questionOrderPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// flushSafe keeps only the latest order per attempt, since a refetch
// supersedes the earlier issue.
func (w *QuestionOrderWorker) flushSafe(ctx context.Context, batch []*questionOrderPayload) {
	if len(batch) == 0 {
		return
	}

	latest := make(map[uuid.UUID]int)
	orders := make([]repository.QuestionOrder, 0, len(batch))
	for _, p := range batch {
		o, err := p.questionOrder()
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Dropping question order with invalid UUID")
			continue
		}
		if i, ok := latest[o.AttemptID]; ok {
			orders[i] = o
			continue
		}
		latest[o.AttemptID] = len(orders)
		orders = append(orders, o)
	}
	if len(orders) == 0 {
		return
	}

	if err := w.sink.SaveQuestionOrders(ctx, orders); err != nil {
		w.log.Warn().Err(err).Msg("bulk question order update failed, using fallback")

		for _, o := range orders {
			if err := w.sink.SaveQuestionOrder(ctx, o); err != nil {
				w.log.Error().Err(err).Msg("SaveQuestionOrder failed, requeueing")
				raw, _ := json.Marshal(newQuestionOrderPayload(o))
				w.rdb.RPush(ctx, config.WorkerKey.PersistQuestionOrderQueue, raw)
			}
		}
	}
}
