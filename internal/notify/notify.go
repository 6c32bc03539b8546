// Package notify carries the redis side channel of the sync core: the
// per-account lock the scheduler takes around decide+enqueue and the job
// event stream other services subscribe to.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobEventsChannel is the pub/sub channel job lifecycle events go to
const JobEventsChannel = "sync:jobs"

// JobEvent is published whenever a sync job changes state
type JobEvent struct {
	JobID            string `json:"job_id"`
	AccountID        string `json:"account_id"`
	Marketplace      string `json:"marketplace"`
	Type             string `json:"type"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	RecordsProcessed int    `json:"records_processed"`
	Error            string `json:"error,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

type Locker interface {
	// TryLock returns a token when the lock was taken, "" when it is held
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

type Publisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker and Publisher on one client
type Redis struct {
	client  *redis.Client
	channel string
}

var (
	_ Locker    = (*Redis)(nil)
	_ Publisher = (*Redis)(nil)
)

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, channel: JobEventsChannel}, nil
}

func lockKey(key string) string {
	return "marketsync:lock:" + key
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to take lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Unlock releases the lock only if token still owns it
func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, r.client, []string{lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

func (r *Redis) PublishJobEvent(ctx context.Context, event JobEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to the job event channel
func (r *Redis) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, r.channel)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop is used when redis is not configured. Every lock is granted.
type Nop struct{}

var (
	_ Locker    = Nop{}
	_ Publisher = Nop{}
)

func (Nop) TryLock(context.Context, string, time.Duration) (string, error) { return "nop", nil }
func (Nop) Unlock(context.Context, string, string) error                   { return nil }
func (Nop) PublishJobEvent(context.Context, JobEvent) error                { return nil }
