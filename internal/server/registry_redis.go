package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/session"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pwremote:session:"

// redisRecord is the JSON stored per session.
type redisRecord struct {
	session.Info
	Instance string    `json:"instance"`
	LastSeen time.Time `json:"lastSeen"`
}

// RedisRegistry stores sessions in redis with a TTL. Entries owned by this
// instance are refreshed by Maintain; entries of crashed instances expire.
type RedisRegistry struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	heartbeat  time.Duration

	mu    sync.Mutex
	local map[string]session.Info
}

// NewRedisRegistry connects and pings the server.
func NewRedisRegistry(addr, password string, db int) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisRegistry(rdb), nil
}

func newRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client:     rdb,
		instanceID: "pwremote-" + uuid.NewString(),
		keyTTL:     2 * time.Minute,
		heartbeat:  30 * time.Second,
		local:      make(map[string]session.Info),
	}
}

var _ Registry = (*RedisRegistry)(nil)

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *RedisRegistry) encode(info session.Info, now time.Time) ([]byte, error) {
	return json.Marshal(redisRecord{Info: info, Instance: r.instanceID, LastSeen: now})
}

func (r *RedisRegistry) Put(ctx context.Context, info session.Info) error {
	data, err := r.encode(info, time.Now())
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(info.ID), data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	r.mu.Lock()
	r.local[info.ID] = info
	r.mu.Unlock()
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	if err := r.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// List scans every instance's sessions.
func (r *RedisRegistry) List(ctx context.Context) ([]session.Info, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]session.Info, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between scan and mget
			continue
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, rec.Info)
	}
	sortInfos(out)
	return out, nil
}

// Maintain refreshes the TTL of locally owned sessions until ctx is done.
func (r *RedisRegistry) Maintain(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RedisRegistry) refresh(ctx context.Context) {
	r.mu.Lock()
	infos := make([]session.Info, 0, len(r.local))
	for _, info := range r.local {
		infos = append(infos, info)
	}
	r.mu.Unlock()
	if len(infos) == 0 {
		return
	}
	now := time.Now()
	pipe := r.client.Pipeline()
	for _, info := range infos {
		data, err := r.encode(info, now)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "id": info.ID})
			continue
		}
		pipe.Set(ctx, redisKey(info.ID), data, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(infos)})
	}
}

// Close drops this instance's sessions and closes the client.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, redisKey(id))
	}
	r.local = make(map[string]session.Info)
	r.mu.Unlock()
	var errs []error
	if len(ids) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, r.client.Del(ctx, ids...).Err())
		cancel()
	}
	errs = append(errs, r.client.Close())
	return errors.Join(errs...)
}
