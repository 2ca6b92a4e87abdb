package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultRetries        = 3
	keyPrefix             = "loantracker:ratelimit:"
)

// Store is a Redis-backed fixed-window counter. Failed commands are retried
// after a fixed delay so a dropped connection is re-established transparently.
type Store struct {
	client  *redis.Client
	logger  *slog.Logger
	delay   time.Duration
	retries uint64
}

type Option func(*Store)

func WithReconnectDelay(d time.Duration) Option {
	return func(s *Store) { s.delay = d }
}

func WithRetries(n uint64) Option {
	return func(s *Store) { s.retries = n }
}

// Open parses a redis:// URL and waits until the server answers PING.
func Open(ctx context.Context, url string, logger *slog.Logger, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	s := &Store{
		client:  redis.NewClient(redisOpts),
		logger:  logger,
		delay:   defaultReconnectDelay,
		retries: defaultRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	err = s.do(ctx, "ping", func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		s.client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// hitScript increments the counter and reports its remaining lifetime,
// starting the window on the first hit or on a key left without expiry.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Hit increments the counter for key and returns the count within the current
// window and the time left until the window resets. The script runs
// atomically, so a retried hit never counts twice.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	key = keyPrefix + key

	var res []int64
	err := s.do(ctx, "hit", func(ctx context.Context) error {
		var err error
		res, err = hitScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit hit: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("rate limit hit: unexpected reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *Store) do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(s.retries, retry.NewConstant(s.delay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.logger.Warn("redis command failed, reconnecting", "op", op, "error", err, "delay", s.delay)
		return retry.RetryableError(err)
	})
}
