package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeadLetter keeps failed and abandoned jobs in a Redis list for operators.
// A nil client turns every push into a no-op.
type DeadLetter struct {
	redis  *redis.Client
	key    string
	logger *zerolog.Logger
}

type deadLetterEntry struct {
	Queue    string      `json:"queue"`
	Reason   string      `json:"reason"`
	Job      interface{} `json:"job"`
	FailedAt time.Time   `json:"failed_at"`
}

func NewDeadLetter(client *redis.Client, key string, logger *zerolog.Logger) *DeadLetter {
	return &DeadLetter{redis: client, key: key, logger: logger}
}

// Push records job with the error kind that ended it. Failures are logged.
func (d *DeadLetter) Push(ctx context.Context, queue, reason string, job interface{}) {
	if d == nil || d.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetterEntry{Queue: queue, Reason: reason, Job: job, FailedAt: time.Now().UTC()})
	if err != nil {
		d.logger.Error().Err(err).Str("queue", queue).Msg("encode deadletter")
		return
	}
	if err := d.redis.LPush(ctx, d.key, data).Err(); err != nil {
		d.logger.Error().Err(err).Str("queue", queue).Msg("deadletter push")
	}
}

// Len returns the number of entries in the list.
func (d *DeadLetter) Len(ctx context.Context) (int64, error) {
	if d == nil || d.redis == nil {
		return 0, nil
	}
	return d.redis.LLen(ctx, d.key).Result()
}
