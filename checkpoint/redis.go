package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentforge/core/coreerr"
)

const keyPrefix = "agentforge:checkpoint"

// RedisStore is a Store backed by Redis, relying on native key TTLs instead
// of a periodic sweeper for expiry. It keeps three key families per
// checkpoint: a data blob, a reverse agent-id pointer (for SetStatus lookups
// that only have the checkpoint id), and a per-agent active pointer used to
// enforce "at most one active checkpoint per agent".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the client's
// lifecycle (Close, connection pool, TLS, etc.).
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("checkpoint: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func dataKey(id string) string    { return fmt.Sprintf("%s:data:%s", keyPrefix, id) }
func agentKey(id string) string   { return fmt.Sprintf("%s:agent:%s", keyPrefix, id) }
func activeKey(agt string) string { return fmt.Sprintf("%s:active:%s", keyPrefix, agt) }

func (s *RedisStore) Upsert(ctx context.Context, agentID string, cp Checkpoint) error {
	ttl := time.Until(cp.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("checkpoint: refusing to store an already-expired checkpoint %s", cp.ID)
	}
	if prevID, err := s.client.Get(ctx, activeKey(agentID)).Result(); err == nil && prevID != "" && prevID != cp.ID {
		s.client.Del(ctx, dataKey(prevID), agentKey(prevID))
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dataKey(cp.ID), data, ttl)
		pipe.Set(ctx, agentKey(cp.ID), agentID, ttl)
		pipe.Set(ctx, activeKey(agentID), cp.ID, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) LoadActive(ctx context.Context, agentID string, now time.Time) (Checkpoint, bool, error) {
	id, err := s.client.Get(ctx, activeKey(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp, ok, err := s.load(ctx, id)
	if err != nil || !ok {
		return Checkpoint{}, false, err
	}
	if cp.Status != StatusActive || now.After(cp.ExpiresAt) {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, status Status) error {
	cp, ok, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.New(coreerr.CodeNotFound, "checkpoint not found")
	}
	cp.Status = status
	cp.UpdatedAt = time.Now()
	ttl := s.client.TTL(ctx, dataKey(id)).Val()
	if ttl <= 0 {
		ttl = time.Until(cp.ExpiresAt)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := s.client.Set(ctx, dataKey(id), data, ttl).Err(); err != nil {
		return err
	}
	if status != StatusActive {
		if agentID, err := s.client.Get(ctx, agentKey(id)).Result(); err == nil {
			if cur, err := s.client.Get(ctx, activeKey(agentID)).Result(); err == nil && cur == id {
				s.client.Del(ctx, activeKey(agentID))
			}
		}
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires rows passively via their native
// TTL, so there is nothing for a periodic sweeper to reclaim here.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Checkpoint, bool, error) {
	raw, err := s.client.Get(ctx, dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: unmarshal %s: %w", id, err)
	}
	return cp, true, nil
}
