package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var submissionClaimScript = redis.NewScript(`
local claimed = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if claimed then
  return 1
end
return 0
`)

// RedisSubmissionGuard deduplicates concurrent proof submissions across
// service instances. The durable uniqueness check lives in Postgres; this
// guard just keeps two racing submissions of the same receipt from both
// reaching the insert and one of them eating a needless constraint error.
type RedisSubmissionGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSubmissionGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSubmissionGuard {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "pesoswap:proof_claim"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &RedisSubmissionGuard{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// Claim marks a (order, receipt image) pair as in-flight. Returns false when
// another submission already holds the claim. A nil guard or client degrades
// to always-claimed so Redis outages never block intake.
func (g *RedisSubmissionGuard) Claim(ctx context.Context, orderNo, receiptImageRef string) (bool, error) {
	if g == nil || g.client == nil {
		return true, nil
	}
	normalizedOrder := strings.TrimSpace(orderNo)
	normalizedRef := strings.TrimSpace(receiptImageRef)
	if normalizedOrder == "" || normalizedRef == "" {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%s", g.prefix, normalizedOrder, normalizedRef)
	rawResult, err := submissionClaimScript.Run(ctx, g.client, []string{key}, "1", g.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}

	claimed, ok := rawResult.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis claim response shape: %T", rawResult)
	}
	return claimed == 1, nil
}

// Release drops the claim once its request reached a terminal state, or
// after intake failed and a resubmission should be allowed immediately.
func (g *RedisSubmissionGuard) Release(ctx context.Context, orderNo, receiptImageRef string) {
	if g == nil || g.client == nil {
		return
	}
	key := fmt.Sprintf("%s:%s:%s", g.prefix, strings.TrimSpace(orderNo), strings.TrimSpace(receiptImageRef))
	// Best effort; the TTL bounds a leaked claim anyway.
	_ = g.client.Del(ctx, key).Err()
}
