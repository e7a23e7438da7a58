// Package queue keeps per-recipient notification mailboxes in redis along
// with the debounce markers that hold back delivery while activity continues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mailboxPrefix  = "notifications:"
	debouncePrefix = "debounce:"
	eventPrefix    = "webhook-event:"
	lockPrefix     = "dispatch-lock:"

	MailboxTTL     = 7 * 24 * time.Hour
	DebounceWindow = 5 * time.Minute
	EventTTL       = 24 * time.Hour
	LockTTL        = 2 * time.Minute
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// clearScript drops the delivered tail of a mailbox. Items pushed after the
// drain sit at the head and survive. The debounce marker goes only with the
// last item.
var clearScript = redis.NewScript(`
local delivered = tonumber(ARGV[1])
if delivered > 0 then
	redis.call("LTRIM", KEYS[1], 0, -(delivered + 1))
end
local remaining = redis.call("LLEN", KEYS[1])
if remaining == 0 then
	redis.call("DEL", KEYS[1], KEYS[2])
end
return remaining
`)

type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisQueueWithClient(client), nil
}

func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

// WithClock replaces the clock used for age calculations.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func mailboxKey(email string) string  { return mailboxPrefix + normalizeEmail(email) }
func debounceKey(email string) string { return debouncePrefix + normalizeEmail(email) }

// Enqueue prepends n to the recipient's mailbox, refreshes the mailbox TTL and
// starts a debounce window unless one is already running.
func (q *RedisQueue) Enqueue(ctx context.Context, email string, n Notification) error {
	if normalizeEmail(email) == "" {
		return errors.New("enqueue: recipient email is required")
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = q.now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, mailboxKey(email), payload)
		pipe.Expire(ctx, mailboxKey(email), MailboxTTL)
		pipe.SetNX(ctx, debounceKey(email), q.now().UnixMilli(), DebounceWindow)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Drain returns every pending notification for email, oldest first. The
// mailbox is left untouched; Clear removes it once delivery succeeds.
func (q *RedisQueue) Drain(ctx context.Context, email string) ([]Notification, error) {
	raw, err := q.client.LRange(ctx, mailboxKey(email), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var n Notification
		if err := json.Unmarshal([]byte(raw[i]), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (q *RedisQueue) Count(ctx context.Context, email string) (int64, error) {
	count, err := q.client.LLen(ctx, mailboxKey(email)).Result()
	if err != nil {
		return 0, fmt.Errorf("count mailbox: %w", err)
	}
	return count, nil
}

// Clear removes the delivered oldest items from the mailbox, leaving anything
// enqueued since the drain. It reports how many items remain.
func (q *RedisQueue) Clear(ctx context.Context, email string, delivered int) (int64, error) {
	if delivered < 0 {
		return 0, fmt.Errorf("clear mailbox: negative count %d", delivered)
	}
	remaining, err := clearScript.Run(ctx, q.client, []string{mailboxKey(email), debounceKey(email)}, delivered).Int64()
	if err != nil {
		return 0, fmt.Errorf("clear mailbox: %w", err)
	}
	return remaining, nil
}

// ListPendingRecipients scans for non-empty mailboxes.
func (q *RedisQueue) ListPendingRecipients(ctx context.Context) ([]string, error) {
	recipients := make([]string, 0)
	seen := map[string]struct{}{}
	iter := q.client.Scan(ctx, 0, mailboxPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		email := strings.TrimPrefix(iter.Val(), mailboxPrefix)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		recipients = append(recipients, email)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan mailboxes: %w", err)
	}
	return recipients, nil
}

func (q *RedisQueue) IsDebounceActive(ctx context.Context, email string) (bool, error) {
	exists, err := q.client.Exists(ctx, debounceKey(email)).Result()
	if err != nil {
		return false, fmt.Errorf("check debounce: %w", err)
	}
	return exists == 1, nil
}

// OldestAge reports how long the oldest pending notification has waited.
// ok is false when the mailbox is empty.
func (q *RedisQueue) OldestAge(ctx context.Context, email string) (age time.Duration, ok bool, err error) {
	raw, err := q.client.LIndex(ctx, mailboxKey(email), -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read oldest notification: %w", err)
	}
	var oldest Notification
	if err := json.Unmarshal([]byte(raw), &oldest); err != nil {
		return 0, false, fmt.Errorf("decode notification: %w", err)
	}
	return q.now().Sub(oldest.Timestamp), true, nil
}

// ClaimEvent records a provider event id. It returns false when the id was
// already claimed within EventTTL.
func (q *RedisQueue) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := q.client.SetNX(ctx, eventPrefix+eventID, q.now().UnixMilli(), EventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return ok, nil
}

// ReleaseEvent forgets a claim so that a redelivery is processed again.
func (q *RedisQueue) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := q.client.Del(ctx, eventPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// AcquireLock takes the per-recipient dispatch lock. The returned release
// func only deletes the lock if it still holds the caller's owner value.
func (q *RedisQueue) AcquireLock(ctx context.Context, email, owner string) (release func(context.Context) error, acquired bool, err error) {
	key := lockPrefix + normalizeEmail(email)
	ok, err := q.client.SetNX(ctx, key, owner, LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		if err := releaseLockScript.Run(ctx, q.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release dispatch lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
