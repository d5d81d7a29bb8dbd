package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "scheduler:leader"
	leaderTTL = 30 * time.Second
)

// renewScript extends the lease only if this instance still owns it; the
// Lua round trip avoids the get-then-expire race.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// LeaderElector arbitrates which scheduler instance runs the timer pump and
// the sweeps. SETNX-based: at most one leader per TTL window.
type LeaderElector struct {
	client     *redis.Client
	instanceID string
}

// NewLeaderElector creates a LeaderElector for this instance.
func NewLeaderElector(client *redis.Client, instanceID string) *LeaderElector {
	return &LeaderElector{client: client, instanceID: instanceID}
}

// AcquireOrRenew returns true when this instance is the current leader.
func (l *LeaderElector) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaderKey, l.instanceID, leaderTTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(
		ctx, l.client,
		[]string{leaderKey},
		l.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return result == 1, nil
}
