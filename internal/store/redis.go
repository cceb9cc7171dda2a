package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/browserpilot/backend/internal/models"
)

// RedisConfirmationStore keeps pending confirmations in Redis. The key TTL
// mirrors the confirmation's ExpiresAt, so expired tokens vanish on their own
// and an expired, consumed or unknown token all read the same: not found.
type RedisConfirmationStore struct {
	redis     *redis.Client
	keyPrefix string
}

func NewRedisConfirmationStore(redisClient *redis.Client) *RedisConfirmationStore {
	return &RedisConfirmationStore{
		redis:     redisClient,
		keyPrefix: "browserpilot:confirm:",
	}
}

func (s *RedisConfirmationStore) key(token string) string {
	return s.keyPrefix + token
}

func (s *RedisConfirmationStore) Put(ctx context.Context, pending *models.PendingConfirmation) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	ttl := time.Until(pending.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.redis.Set(ctx, s.key(pending.Token), data, ttl).Err()
}

// Take consumes a confirmation with GETDEL, which is atomic: when confirm and
// deny race on the same token, exactly one side sees the record.
func (s *RedisConfirmationStore) Take(ctx context.Context, token string) (*models.PendingConfirmation, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var pending models.PendingConfirmation
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

func (s *RedisConfirmationStore) Delete(ctx context.Context, token string) error {
	return s.redis.Del(ctx, s.key(token)).Err()
}
