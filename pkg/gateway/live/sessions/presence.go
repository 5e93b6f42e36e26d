package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresencePrefix = "relay"
	defaultPresenceTTL    = 90 * time.Second
)

// RedisPresence mirrors a Registry into Redis so any instance can list the
// sessions of the whole fleet. Each session is a hash at
// <prefix>:session:<id> that expires unless refreshed.
type RedisPresence struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	instance string
	logger   *slog.Logger
}

// PresenceOption configures a RedisPresence.
type PresenceOption func(*RedisPresence)

// WithPresenceTTL sets how long an entry survives without a refresh.
func WithPresenceTTL(ttl time.Duration) PresenceOption {
	return func(p *RedisPresence) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithPresencePrefix sets the key prefix. Default is "relay".
func WithPresencePrefix(prefix string) PresenceOption {
	return func(p *RedisPresence) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithInstance tags entries with the publishing instance name.
func WithInstance(name string) PresenceOption {
	return func(p *RedisPresence) { p.instance = name }
}

func WithPresenceLogger(logger *slog.Logger) PresenceOption {
	return func(p *RedisPresence) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewRedisPresence(client redis.UniversalClient, opts ...PresenceOption) *RedisPresence {
	p := &RedisPresence{
		client: client,
		prefix: defaultPresencePrefix,
		ttl:    defaultPresenceTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisPresence) key(sessionID string) string {
	return p.prefix + ":session:" + sessionID
}

// Publish writes every Info with a fresh TTL in one pipeline.
func (p *RedisPresence) Publish(ctx context.Context, infos []Info) error {
	if len(infos) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	pipe := p.client.Pipeline()
	for _, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", info.SessionID, err)
		}
		key := p.key(info.SessionID)
		pipe.HSet(ctx, key, map[string]any{
			"info":       string(data),
			"instance":   p.instance,
			"updated_at": now,
		})
		pipe.Expire(ctx, key, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Remove deletes one session entry.
func (p *RedisPresence) Remove(ctx context.Context, sessionID string) error {
	if err := p.client.Del(ctx, p.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// List returns every unexpired entry, oldest first.
func (p *RedisPresence) List(ctx context.Context) ([]Info, error) {
	var out []Info
	iter := p.client.Scan(ctx, 0, p.prefix+":session:*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := p.client.HGet(ctx, iter.Val(), "info").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis hget failed: %w", err)
		}
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			p.logger.Warn("skipping malformed presence entry", "key", iter.Val(), "error", err)
			continue
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Run publishes the registry snapshot every interval until ctx ends.
func (p *RedisPresence) Run(ctx context.Context, r *Registry, interval time.Duration) {
	if interval <= 0 {
		interval = p.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish := func() {
		pubCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := p.Publish(pubCtx, r.Snapshot()); err != nil && ctx.Err() == nil {
			p.logger.Warn("presence publish failed", "error", err)
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
