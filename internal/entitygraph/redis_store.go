package entitygraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const graphKeyPrefix = "dossier:graph:"

// RedisStore keeps finished runs' graph snapshots in a Redis hash per run
// (entity -> JSON list of neighbours).
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store; ttl <= 0 keeps snapshots forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func graphKey(runID string) string { return graphKeyPrefix + runID }

// Save replaces the stored snapshot for runID.
func (s *RedisStore) Save(ctx context.Context, runID string, snapshot map[string][]string) error {
	key := graphKey(runID)
	fields := make(map[string]interface{}, len(snapshot))
	for entity, neighbours := range snapshot {
		if neighbours == nil {
			neighbours = []string{}
		}
		b, err := json.Marshal(neighbours)
		if err != nil {
			return fmt.Errorf("encode neighbours of %q: %w", entity, err)
		}
		fields[entity] = string(b)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save entity graph %s: %w", runID, err)
	}
	return nil
}

// Load returns the stored snapshot; a missing run yields an empty map.
func (s *RedisStore) Load(ctx context.Context, runID string) (map[string][]string, error) {
	raw, err := s.client.HGetAll(ctx, graphKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load entity graph %s: %w", runID, err)
	}
	out := make(map[string][]string, len(raw))
	for entity, encoded := range raw {
		var neighbours []string
		if err := json.Unmarshal([]byte(encoded), &neighbours); err != nil {
			return nil, fmt.Errorf("decode neighbours of %q: %w", entity, err)
		}
		out[entity] = neighbours
	}
	return out, nil
}
