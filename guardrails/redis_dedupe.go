package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/ledger"
)

const (
	// leasePrefix marks an in-progress key; the owner token follows it
	leasePrefix = "lease:"

	// DefaultLeaseTTL is the lease when Begin is not given one
	DefaultLeaseTTL = 5 * time.Minute
	// DefaultReleaseTTL is how long a failed outcome stays visible to waiters
	DefaultReleaseTTL = 10 * time.Second
	// DefaultPollInterval is how often a waiter re-reads an in-progress key
	DefaultPollInterval = 50 * time.Millisecond
)

// StoreOptions tunes the shared dedupe backends
type StoreOptions struct {
	LeaseTTL     time.Duration
	ReleaseTTL   time.Duration
	PollInterval time.Duration
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.ReleaseTTL <= 0 {
		o.ReleaseTTL = DefaultReleaseTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// renewScript extends the lease only while ARGV[1] still holds it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// finishScript replaces the lease with the outcome only while ARGV[1] still
// holds it. ARGV[3] is the outcome TTL in ms; 0 keeps it forever.
var finishScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisDedupeStore shares idempotency keys across engine replicas. Ownership is
// a SET NX lease holding the owner's token; waiters poll until the owner
// writes its outcome.
type RedisDedupeStore struct {
	client redis.UniversalClient
	prefix string
	opts   StoreOptions
}

// NewRedisDedupeStore creates a store whose keys live under prefix (typically per tenant)
func NewRedisDedupeStore(client redis.UniversalClient, prefix string, opts StoreOptions) *RedisDedupeStore {
	return &RedisDedupeStore{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (s *RedisDedupeStore) redisKey(key string) string {
	return fmt.Sprintf("dedupe:%s:%s", s.prefix, key)
}

func (s *RedisDedupeStore) Begin(ctx context.Context, key string, lease time.Duration) (Claim, error) {
	if lease <= 0 {
		lease = s.opts.LeaseTTL
	}
	rk := s.redisKey(key)
	for {
		token := newToken()
		acquired, err := s.client.SetNX(ctx, rk, leasePrefix+token, lease).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("redis dedupe acquire failed: %w", err)
		}
		if acquired {
			return Claim{Token: token}, nil
		}

		val, err := s.client.Get(ctx, rk).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// Released between SETNX and GET; try to take it
			continue
		case err != nil:
			return Claim{}, fmt.Errorf("redis dedupe read failed: %w", err)
		case !strings.HasPrefix(val, leasePrefix):
			var outcome ledger.ActionOutcome
			if err := json.Unmarshal([]byte(val), &outcome); err != nil {
				return Claim{}, fmt.Errorf("corrupt dedupe record for %s: %w", key, err)
			}
			return Claim{Prior: &outcome}, nil
		}

		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *RedisDedupeStore) Renew(ctx context.Context, key, token string, lease time.Duration) error {
	if lease <= 0 {
		lease = s.opts.LeaseTTL
	}
	n, err := renewScript.Run(ctx, s.client, []string{s.redisKey(key)}, leasePrefix+token, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis dedupe renew failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *RedisDedupeStore) Finish(ctx context.Context, key, token string, outcome ledger.ActionOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	var ttlMillis int64
	if outcome.Status != ledger.OutcomeSucceeded {
		ttlMillis = s.opts.ReleaseTTL.Milliseconds()
	}
	n, err := finishScript.Run(ctx, s.client, []string{s.redisKey(key)}, leasePrefix+token, string(data), ttlMillis).Int()
	if err != nil {
		return fmt.Errorf("redis dedupe finish failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
