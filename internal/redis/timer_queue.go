package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

const (
	timerIndexKey = "timers:index"
	timerDataKey  = "timers:data"
)

// Timer is one durable continuation: when Due passes, the scheduler
// publishes Payload to Topic keyed by Key. The process that armed the timer
// does not need to survive for it to fire.
type Timer struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Due     time.Time       `json:"due"`
}

// TimerQueue is the durable timer substrate backed by a Redis sorted set
// (id scored by due time) plus a hash (id → timer JSON). Deterministic ids
// make Cancel possible without knowing the payload.
type TimerQueue interface {
	Arm(ctx context.Context, t Timer) error
	Cancel(ctx context.Context, id string) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)
}

// MarshalTaskMessage encodes a task message as a timer payload.
func MarshalTaskMessage(msg domain.TaskMessage) (json.RawMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal task message %s/%s: %w", msg.TaskID, msg.Kind, err)
	}
	return data, nil
}

// MarshalNodeMessage encodes a node message as a timer payload.
func MarshalNodeMessage(msg domain.NodeMessage) (json.RawMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal node message %s/%s: %w", msg.NodeID, msg.Kind, err)
	}
	return data, nil
}

type timerQueue struct {
	client *redis.Client
}

// NewTimerQueue creates a Redis-backed TimerQueue.
func NewTimerQueue(client *redis.Client) TimerQueue {
	return &timerQueue{client: client}
}

// Arm schedules (or reschedules) the timer. Re-arming an existing id moves
// its due time, which is what step-timeout renewal wants.
func (q *timerQueue) Arm(ctx context.Context, t Timer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timer %s: %w", t.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, timerIndexKey, redis.Z{Score: float64(t.Due.UnixMilli()), Member: t.ID})
	pipe.HSet(ctx, timerDataKey, t.ID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("arm timer %s: %w", t.ID, err)
	}
	return nil
}

// Cancel removes the timer. Cancelling an absent id is a no-op; the timer
// may already have fired.
func (q *timerQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, timerIndexKey, id)
	pipe.HDel(ctx, timerDataKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel timer %s: %w", id, err)
	}
	return nil
}

// popScript atomically takes up to ARGV[2] due timer ids so concurrent
// schedulers (during a leadership handover) never double-fire one timer.
var popScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "0", ARGV[1], "LIMIT", 0, ARGV[2])
	if #ids == 0 then
		return {}
	end
	local out = {}
	for i, id in ipairs(ids) do
		local data = redis.call("hget", KEYS[2], id)
		redis.call("zrem", KEYS[1], id)
		redis.call("hdel", KEYS[2], id)
		if data then
			out[#out + 1] = data
		end
	end
	return out
`)

// PopDue removes and returns timers due at or before now, oldest first.
func (q *timerQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	res, err := popScript.Run(ctx, q.client,
		[]string{timerIndexKey, timerDataKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop due timers: %w", err)
	}

	timers := make([]Timer, 0, len(res))
	for _, raw := range res {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var t Timer
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("unmarshal popped timer: %w", err)
		}
		timers = append(timers, t)
	}
	return timers, nil
}
