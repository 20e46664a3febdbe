package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/pkg/inventory"
)

const (
	defaultKeyPrefix = "larder:"
	mistakePrefix    = "mistake:"
)

// RedisStore is a [Store] backed by Redis. Recent commands live in a capped
// list per session; accuracy counters live in one hash per user.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a [RedisStore].
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key. Default: "larder:".
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

// Ping checks the connection. It satisfies health.Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recentKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":recent"
}

func (s *RedisStore) accuracyKey(userID string) string {
	return s.prefix + "accuracy:" + userID
}

// AppendRecent implements [Store].
func (s *RedisStore) AppendRecent(ctx context.Context, sessionID string, rc inventory.RecentCommand, limit int, ttl time.Duration) error {
	b, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("session: encode recent command: %w", err)
	}
	key := s.recentKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, b)
		if limit > 0 {
			p.LTrim(ctx, key, 0, int64(limit-1))
		}
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: append recent %s: %w", sessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (s *RedisStore) Recent(ctx context.Context, sessionID string) ([]inventory.RecentCommand, error) {
	raw, err := s.client.LRange(ctx, s.recentKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: recent %s: %w", sessionID, err)
	}
	out := make([]inventory.RecentCommand, 0, len(raw))
	for _, r := range raw {
		var rc inventory.RecentCommand
		if err := json.Unmarshal([]byte(r), &rc); err != nil {
			return nil, fmt.Errorf("session: decode recent command: %w", err)
		}
		out = append(out, rc)
	}
	return out, nil
}

// DeleteRecent implements [Store].
func (s *RedisStore) DeleteRecent(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.recentKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: delete recent %s: %w", sessionID, err)
	}
	return nil
}

// RecordOutcome implements [Store].
func (s *RedisStore) RecordOutcome(ctx context.Context, userID string, correct bool, mistakeField string) error {
	key := s.accuracyKey(userID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, "total", 1)
		switch {
		case correct:
			p.HIncrBy(ctx, key, "correct", 1)
		case mistakeField != "":
			p.HIncrBy(ctx, key, mistakePrefix+mistakeField, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: record outcome for %s: %w", userID, err)
	}
	return nil
}

// Accuracy implements [Store].
func (s *RedisStore) Accuracy(ctx context.Context, userID string) (confirm.Accuracy, error) {
	fields, err := s.client.HGetAll(ctx, s.accuracyKey(userID)).Result()
	if err != nil {
		return confirm.Accuracy{}, fmt.Errorf("session: accuracy for %s: %w", userID, err)
	}
	var a confirm.Accuracy
	for k, v := range fields {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch {
		case k == "total":
			a.Total = n
		case k == "correct":
			a.Correct = n
		case strings.HasPrefix(k, mistakePrefix):
			if a.Mistakes == nil {
				a.Mistakes = make(map[string]int)
			}
			a.Mistakes[strings.TrimPrefix(k, mistakePrefix)] = n
		}
	}
	return a, nil
}

var _ Store = (*RedisStore)(nil)
