package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "mxpgo:journal"

// RedisJournal keeps the journal in a Redis list. Useful when several
// diagnostic readers need the tail without access to the agent host.
type RedisJournal struct {
	client *redis.Client
	key    string
}

// NewRedisJournal builds a journal over an existing client. An empty key
// selects DefaultRedisKey.
func NewRedisJournal(client *redis.Client, key string) *RedisJournal {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisJournal{client: client, key: key}
}

// Append pushes the encoded record onto the tail of the list.
func (j *RedisJournal) Append(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: encode record: %w", err)
	}
	if err := j.client.RPush(ctx, j.key, data).Err(); err != nil {
		return fmt.Errorf("memory: redis append: %w", err)
	}
	return nil
}

// Tail returns the last limit records, oldest first.
func (j *RedisJournal) Tail(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	lines, err := j.client.LRange(ctx, j.key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: redis tail: %w", err)
	}

	records := make([]*Record, 0, len(lines))
	for _, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("memory: decode journal entry: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Clear drops the journal list.
func (j *RedisJournal) Clear(ctx context.Context) error {
	if err := j.client.Del(ctx, j.key).Err(); err != nil {
		return fmt.Errorf("memory: redis clear: %w", err)
	}
	return nil
}
