package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "escalate:ready"
	scheduledKey = "escalate:scheduled"
	inflightKey  = "escalate:inflight"
	dlqKey       = "escalate:dlq"

	defaultVisibility = 30 * time.Second
)

// Broker coordinates the escalation tier's ready list, scheduled set,
// in-flight set, and dead-letter queue in Redis. Members are complete JSON
// task envelopes, so a crashed process loses nothing that was queued.
type Broker struct {
	client     *redis.Client
	visibility time.Duration
}

func NewBroker(client *redis.Client, visibility time.Duration) *Broker {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &Broker{client: client, visibility: visibility}
}

// Enqueue appends an envelope to the tail of the ready list.
func (b *Broker) Enqueue(ctx context.Context, envelope string) error {
	return b.client.RPush(ctx, readyKey, envelope).Err()
}

// Schedule parks an envelope until runAt, typically for a retry.
func (b *Broker) Schedule(ctx context.Context, envelope string, runAt time.Time) error {
	return b.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: envelope,
	}).Err()
}

// PromoteDue moves due scheduled envelopes to the ready list and returns
// how many were promoted.
func (b *Broker) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, scheduledKey, m)
		pipe.RPush(ctx, readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// PopWithLease atomically pops the next ready envelope and records a
// visibility deadline for it in the in-flight set. Returns "" when the
// ready list is empty.
func (b *Broker) PopWithLease(ctx context.Context) (string, error) {
	res, err := popScript.Run(ctx, b.client, []string{readyKey, inflightKey},
		time.Now().Add(b.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	envelope, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from pop script: %T", res)
	}
	return envelope, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight
// envelope.
func (b *Broker) ExtendLease(ctx context.Context, envelope string, extension time.Duration) error {
	return b.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: envelope,
	}).Err()
}

// Ack removes an envelope from in-flight tracking once its outcome is
// recorded.
func (b *Broker) Ack(ctx context.Context, envelope string) error {
	return b.client.ZRem(ctx, inflightKey, envelope).Err()
}

// ReclaimExpired returns envelopes whose lease timed out to the ready
// list, so work owned by a crashed runner is re-delivered.
func (b *Broker) ReclaimExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, inflightKey, m)
		pipe.RPush(ctx, readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DLQPush appends an envelope to the dead-letter queue for operational
// inspection.
func (b *Broker) DLQPush(ctx context.Context, envelope string) error {
	return b.client.RPush(ctx, dlqKey, envelope).Err()
}

// DLQPeek reads up to count dead-lettered envelopes without removing them.
func (b *Broker) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return b.client.LRange(ctx, dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (b *Broker) ReadyDepth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, readyKey).Result()
}

// ScheduledDepth returns how many envelopes are parked for later delivery.
func (b *Broker) ScheduledDepth(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, scheduledKey).Result()
}

// InflightDepth returns how many envelopes are currently leased.
func (b *Broker) InflightDepth(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, inflightKey).Result()
}

var popScript = redis.NewScript(`
local envelope = redis.call('LPOP', KEYS[1])
if envelope then
  redis.call('ZADD', KEYS[2], ARGV[1], envelope)
  return envelope
end
return nil
`)
