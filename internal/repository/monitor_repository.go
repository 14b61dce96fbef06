package repository

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// MonitorRepository publishes attempt lifecycle events to the live exam
// monitor channel in Redis.
type MonitorRepository struct {
	rdb *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{rdb: rdb}
}

// Publish sends an event on exam:<id>:monitor. Subscribers that are not
// listening simply miss it; the attempt row remains authoritative.
func (r *MonitorRepository) Publish(ctx context.Context, ev model.MonitorEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	channel := config.CacheKey.ExamMonitorChannel(ev.ExamDefinitionID.String())
	return r.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a PubSub subscription on an exam's monitor channel.
// The caller must Close the returned subscription.
func (r *MonitorRepository) Subscribe(ctx context.Context, examDefinitionID string) *redis.PubSub {
	return r.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examDefinitionID))
}
