package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationSink stores proctoring ledger entries.
type ViolationSink interface {
	BulkInsert(ctx context.Context, records []model.ViolationRecord) error
	Insert(ctx context.Context, record model.ViolationRecord) error
}

type ViolationWorker struct {
	sink ViolationSink
	rdb  redis.Cmdable
	log  zerolog.Logger

	requeueBackoff time.Duration
}

func NewViolationWorker(sink ViolationSink, rdb redis.Cmdable, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		sink:           sink,
		rdb:            rdb,
		log:            log.With().Str("component", "violation_worker").Logger(),
		requeueBackoff: 2 * time.Second,
	}
}

type violationPayload struct {
	AttemptID  string `json:"attempt_id"`
	Type       string `json:"type"`
	OccurredAt int64  `json:"occurred_at_ms"`
	Resolved   bool   `json:"resolved"`
	RecordedAt int64  `json:"recorded_at_ms"`
}

func newViolationPayload(r model.ViolationRecord) *violationPayload {
	return &violationPayload{
		AttemptID:  r.AttemptID.String(),
		Type:       string(r.Type),
		OccurredAt: r.OccurredAt.UnixMilli(),
		Resolved:   r.Resolved,
		RecordedAt: r.RecordedAt.UnixMilli(),
	}
}

func (p *violationPayload) record() (model.ViolationRecord, error) {
	attemptID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		return model.ViolationRecord{}, err
	}
	return model.ViolationRecord{
		AttemptID:  attemptID,
		Type:       model.ViolationType(p.Type),
		OccurredAt: time.UnixMilli(p.OccurredAt).UTC(),
		Resolved:   p.Resolved,
		RecordedAt: time.UnixMilli(p.RecordedAt).UTC(),
	}, nil
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*violationPayload, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var payload violationPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &payload)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*violationPayload) {
	if len(batch) == 0 {
		return
	}
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*violationPayload) error {
	records := make([]model.ViolationRecord, 0, len(batch))
	for _, p := range batch {
		rec, err := p.record()
		if err != nil {
			// Fallback handles the bad row individually.
			return err
		}
		records = append(records, rec)
	}
	return w.sink.BulkInsert(ctx, records)
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*violationPayload) {
	requeueList := make([]*violationPayload, 0)

	for _, p := range batch {
		rec, err := p.record()
		if err != nil {
			w.log.Error().Str("attempt_id", p.AttemptID).Msg("Dropping violation with invalid attempt UUID")
			continue
		}

		if err := w.sink.Insert(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, p)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*violationPayload) {
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue violations to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations back to Redis")
	// Avoid thrashing while the database is down.
	time.Sleep(w.requeueBackoff)
}

func (w *ViolationWorker) shutdown(buffer []*violationPayload) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.flushSafe(shutdownCtx, buffer)
}
