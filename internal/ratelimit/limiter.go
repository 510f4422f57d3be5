// Package ratelimit throttles outbound calls to the messaging backend with a
// Redis INCR + EXPIRE fixed window, so several dashboard instances of the same
// user share one budget and stay under the backend's own rate limits.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// calls allowed in the window, and the window duration.
type Rule struct {
	Key    string // e.g. "rl:markread:"
	Limit  int
	Window time.Duration
}

var (
	// RuleMarkRead allows 10 mark-as-read calls per 10 seconds per user.
	RuleMarkRead = Rule{Key: "rl:markread:", Limit: 10, Window: 10 * time.Second}

	// RuleSend allows 20 sends per 10 seconds per user.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}
)

// Allower is satisfied by *Limiter. Consumers accept it so tests can swap in
// a fake.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and reports whether the
// call fits in the current window.
//
// On Redis errors it fails open (returns true) so a Redis outage does not
// block the user from reading or sending.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// remaining returns how many calls the identifier has left in the current
// window. Returns the full limit if nothing was counted yet or Redis fails.
func (l *Limiter) remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
