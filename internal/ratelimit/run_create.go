package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerves76/promptreviews-sub034/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyRunCreate = "batch_run:create:account:%s"

// RunCreateLimiter throttles batch run creation per account. A nil limiter
// allows everything.
type RunCreateLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewRunCreateLimiter(cfg config.Config, client *redis.Client) (*RunCreateLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.RunCreateRate <= 0 || limitCfg.RunCreateBurst <= 0 {
		return nil, errors.New("run create rate limit must be positive")
	}
	return &RunCreateLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.RunCreateRate,
		burst:  limitCfg.RunCreateBurst,
	}, nil
}

func (l *RunCreateLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *RunCreateLimiter) Allow(ctx context.Context, accountID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, RunCreateKey(accountID), l.rate, l.burst)
}

func RunCreateKey(accountID string) string {
	return fmt.Sprintf(keyRunCreate, strings.TrimSpace(accountID))
}
