package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

const (
	CheckpointPollTimeout = time.Second
	CheckpointRetryDelay  = 5 * time.Second
)

type checkpointPayload struct {
	AttemptID string               `json:"attempt_id"`
	Records   []model.AnswerRecord `json:"records"`
	At        int64                `json:"at"` // unix millis
}

// CheckpointQueue is the Checkpointer used by autosave pumps. It pushes
// checkpoints to persist_checkpoints_queue for the CheckpointWorker and
// writes straight to the store when Redis is absent or unreachable.
type CheckpointQueue struct {
	rdb   *redis.Client
	store repository.AttemptStore
	log   zerolog.Logger
}

// NewCheckpointQueue creates a new CheckpointQueue. rdb may be nil.
func NewCheckpointQueue(rdb *redis.Client, store repository.AttemptStore, log zerolog.Logger) *CheckpointQueue {
	return &CheckpointQueue{
		rdb:   rdb,
		store: store,
		log:   log.With().Str("component", "checkpoint_queue").Logger(),
	}
}

// Checkpoint enqueues a snapshot, falling back to a direct store write.
func (q *CheckpointQueue) Checkpoint(ctx context.Context, attemptID uuid.UUID, records []model.AnswerRecord, at time.Time) error {
	if q.rdb != nil {
		payload, err := json.Marshal(checkpointPayload{
			AttemptID: attemptID.String(),
			Records:   records,
			At:        at.UnixMilli(),
		})
		if err != nil {
			return err
		}
		err = q.rdb.RPush(ctx, config.WorkerKey.PersistCheckpointsQueue, payload).Err()
		if err == nil {
			return nil
		}
		q.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Enqueue failed, writing checkpoint directly")
	}

	err := q.store.UpdateAnswers(ctx, attemptID, records, at)
	if errors.Is(err, repository.ErrCheckpointRejected) {
		// The attempt finished or a newer snapshot landed first.
		return nil
	}
	return err
}

// CheckpointWorker consumes persist_checkpoints_queue and writes checkpoints
// to the attempt store.
type CheckpointWorker struct {
	store repository.AttemptStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewCheckpointWorker creates a new CheckpointWorker.
func NewCheckpointWorker(store repository.AttemptStore, rdb *redis.Client, log zerolog.Logger) *CheckpointWorker {
	return &CheckpointWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "checkpoint_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *CheckpointWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *CheckpointWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, CheckpointPollTimeout, config.WorkerKey.PersistCheckpointsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.handle(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Msg("Persist error, retrying in 5s")
		w.rdb.RPush(context.Background(), config.WorkerKey.PersistCheckpointsQueue, result[1])

		select {
		case <-ctx.Done():
		case <-time.After(CheckpointRetryDelay):
		}
	}
}

// handle writes one queued checkpoint. It returns an error only when the
// item should be retried; malformed, stale or orphaned items are dropped.
func (w *CheckpointWorker) handle(ctx context.Context, raw string) error {
	var p checkpointPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error, dropping item")
		return nil
	}

	attemptID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Invalid attempt id, dropping item")
		return nil
	}

	err = w.store.UpdateAnswers(ctx, attemptID, p.Records, time.UnixMilli(p.At))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrCheckpointRejected), errors.Is(err, repository.ErrAttemptNotFound):
		w.log.Debug().Err(err).Str("attempt_id", p.AttemptID).Msg("Checkpoint discarded")
		return nil
	default:
		return err
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *CheckpointWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistCheckpointsQueue).Result()
		if err != nil {
			break
		}

		if err := w.handle(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistCheckpointsQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
