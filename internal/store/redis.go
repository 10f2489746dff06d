package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"oximeter-vitals/internal/vitals"

	"github.com/go-redis/redis/v8"
)

const (
	sessionsKey  = "vitals:sessions"
	bufferPrefix = "vitals:buffer:"
	defaultName  = "_default"
)

// RedisStore 以 Redis list 保存缓冲区（RPUSH + LTRIM），会话集合保存在 vitals:sessions
type RedisStore struct {
	c        *redis.Client
	capacity int
}

func NewRedisStore(c *redis.Client, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisStore{c: c, capacity: capacity}
}

func bufferKey(key vitals.SessionKey) string {
	if key.IsDefault() {
		return bufferPrefix + defaultName
	}
	return bufferPrefix + key.String()
}

func (r *RedisStore) Append(ctx context.Context, key vitals.SessionKey, rec vitals.RawRecord) ([]vitals.RawRecord, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading: %w", err)
	}

	var lrange *redis.StringSliceCmd
	_, err = r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if !key.IsDefault() {
			p.SAdd(ctx, sessionsKey, key.String())
		}
		p.RPush(ctx, bufferKey(key), b)
		p.LTrim(ctx, bufferKey(key), int64(-r.capacity), -1)
		lrange = p.LRange(ctx, bufferKey(key), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append reading: %w", err)
	}
	return decodeList(lrange.Val())
}

func (r *RedisStore) Snapshot(ctx context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error) {
	if !key.IsDefault() {
		ok, err := r.c.SIsMember(ctx, sessionsKey, key.String()).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrSessionNotFound
		}
	}

	vals, err := r.c.LRange(ctx, bufferKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeList(vals)
}

func (r *RedisStore) CreateSession(ctx context.Context, key vitals.SessionKey) error {
	if key.IsDefault() {
		return nil
	}
	return r.c.SAdd(ctx, sessionsKey, key.String()).Err()
}

func (r *RedisStore) Sessions(ctx context.Context) ([]vitals.SessionKey, error) {
	members, err := r.c.SMembers(ctx, sessionsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	keys := make([]vitals.SessionKey, 0, len(members))
	for _, m := range members {
		keys = append(keys, vitals.SessionKey(m))
	}
	return keys, nil
}

func decodeList(vals []string) ([]vitals.RawRecord, error) {
	out := make([]vitals.RawRecord, 0, len(vals))
	for _, v := range vals {
		dec := json.NewDecoder(bytes.NewReader([]byte(v)))
		dec.UseNumber()
		var rec vitals.RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("corrupt buffer entry: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
