package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/tabulahq/tabula/internal/config"
)

const keyChatUser = "chat:user:%s"

// ChatLimiter throttles chat completions per user. Disabled limiters allow
// everything, so development environments run without redis.
type ChatLimiter struct {
	enabled bool

	bucket *TokenBucket

	rate  float64
	burst int
}

func NewChatLimiter(cfg config.Config) (*ChatLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ChatRate <= 0 || limitCfg.ChatBurst <= 0 {
		return nil, errors.New("chat rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &ChatLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.ChatRate,
		burst:   limitCfg.ChatBurst,
	}, nil
}

func (l *ChatLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ChatLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyChatUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
