// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store adapts the shared Redis instance into the typed scalar,
// list, sorted-set, counter, and pub-sub primitives the orchestration
// layer needs. All state that must survive a process restart or be
// visible to sibling replicas goes through this package.
//
// Transient store failures are retried internally with exponential
// backoff; callers see StoreUnavailableError only after the retry
// window is exhausted. Missing keys are reported as ErrKeyMissing, not
// as unavailability.
package store

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	maestrolog "github.com/groovekit/maestro/internal/log"
	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// ErrKeyMissing reports that a key (or sorted-set member) does not
// exist. Typed record loaders translate it into NotFoundError.
var ErrKeyMissing = errors.New("store: key missing")

// RetryConfig configures retry behavior for transient store failures.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0).
	Jitter float64
}

// DefaultRetryConfig returns the retry settings mandated for store
// operations: at most 3 retries with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Config configures the store connection.
type Config struct {
	// Addr is the Redis address (host:port).
	Addr string

	// Password authenticates the connection, when set.
	Password string

	// DB is the Redis database index.
	DB int

	// Namespace prefixes every key written by this deployment.
	Namespace string

	// Retry overrides the default retry settings when non-zero.
	Retry RetryConfig

	// Logger receives store diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the state store adapter. Safe for concurrent use.
type Store struct {
	rdb       *redis.Client
	namespace string
	retry     RetryConfig
	logger    *slog.Logger
}

// New creates a Store connected to the configured Redis instance.
// The connection is lazy; use Ping to verify reachability at startup.
func New(cfg Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg)
}

// NewWithClient wraps an existing Redis client. Used by tests to inject
// an in-process server.
func NewWithClient(rdb *redis.Client, cfg Config) *Store {
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialDelay == 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "maestro"
	}
	return &Store{
		rdb:       rdb,
		namespace: namespace,
		retry:     retry,
		logger:    maestrolog.WithComponent(logger, "store"),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &maestroerrors.StoreUnavailableError{Op: "ping", Cause: err}
	}
	return nil
}

// Key builds a namespaced key from parts.
func (s *Store) Key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

// Channel builds a namespaced pub-sub channel name from parts.
func (s *Store) Channel(parts ...string) string {
	return s.Key(parts...)
}

// Get reads a scalar value. Missing keys return ErrKeyMissing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		b, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	return data, err
}

// Set writes a scalar value. A ttl of zero means no expiry.
// Writes are idempotent on key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.withRetry(ctx, "del", func(ctx context.Context) error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// Expire resets a key's TTL. Used to extend job records from the active
// TTL to the retention TTL on terminal transitions.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, "expire", func(ctx context.Context) error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

// IncrWindow atomically increments a fixed-window counter, arming the
// window TTL on first increment. Returns the post-increment count and
// the remaining window.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		count     int64
		remaining time.Duration
	)
	err := s.withRetry(ctx, "incr_window", func(ctx context.Context) error {
		pipe := s.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl := pipe.TTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		remaining = ttl.Val()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if remaining < 0 {
		remaining = window
	}
	return count, remaining, nil
}

// ZAdd inserts or updates a sorted-set member.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withRetry(ctx, "zadd", func(ctx context.Context) error {
		return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes a sorted-set member. Missing members are not an error.
func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return s.withRetry(ctx, "zrem", func(ctx context.Context) error {
		return s.rdb.ZRem(ctx, key, member).Err()
	})
}

// ZRank returns a member's zero-based rank. Missing members return
// ErrKeyMissing.
func (s *Store) ZRank(ctx context.Context, key string, member string) (int64, error) {
	var rank int64
	err := s.withRetry(ctx, "zrank", func(ctx context.Context) error {
		r, err := s.rdb.ZRank(ctx, key, member).Result()
		if err != nil {
			return err
		}
		rank = r
		return nil
	})
	return rank, err
}

// ZCard returns the sorted-set cardinality.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "zcard", func(ctx context.Context) error {
		c, err := s.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

// ZRange returns members by rank range, lowest score first.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, "zrange", func(ctx context.Context) error {
		m, err := s.rdb.ZRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		members = m
		return nil
	})
	return members, err
}

// ZPopMin removes and returns the lowest-scored member. An empty set
// returns ErrKeyMissing.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	var (
		member string
		score  float64
	)
	err := s.withRetry(ctx, "zpopmin", func(ctx context.Context) error {
		zs, err := s.rdb.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return err
		}
		if len(zs) == 0 {
			return redis.Nil
		}
		member, _ = zs[0].Member.(string)
		score = zs[0].Score
		return nil
	})
	return member, score, err
}

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, key string, values ...interface{}) error {
	return s.withRetry(ctx, "lpush", func(ctx context.Context) error {
		return s.rdb.LPush(ctx, key, values...).Err()
	})
}

// LTrim bounds a list to the given rank range.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, "ltrim", func(ctx context.Context) error {
		return s.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

// LRange reads a list rank range.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := s.withRetry(ctx, "lrange", func(ctx context.Context) error {
		v, err := s.rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		values = v
		return nil
	})
	return values, err
}

// HIncrBy increments a hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return s.withRetry(ctx, "hincrby", func(ctx context.Context) error {
		return s.rdb.HIncrBy(ctx, key, field, incr).Err()
	})
}

// HGetAll reads a whole hash. A missing key returns an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.withRetry(ctx, "hgetall", func(ctx context.Context) error {
		f, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		fields = f
		return nil
	})
	return fields, err
}

// withRetry runs fn, retrying transient failures with exponential
// backoff and jitter. Missing keys pass through as ErrKeyMissing
// without retrying. Exhausted retries surface StoreUnavailableError.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return ErrKeyMissing
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return &maestroerrors.StoreUnavailableError{Op: op, Cause: err}
		}

		lastErr = err
		s.logger.Warn("store operation failed, retrying",
			"op", op,
			"attempt", attempt+1,
			maestrolog.Error(err))
	}

	return &maestroerrors.StoreUnavailableError{Op: op, Cause: lastErr}
}

// backoff computes the delay for a given attempt with jitter.
func (s *Store) backoff(attempt int) time.Duration {
	d := float64(s.retry.InitialDelay) * math.Pow(s.retry.Multiplier, float64(attempt-1))
	if d > float64(s.retry.MaxDelay) {
		d = float64(s.retry.MaxDelay)
	}
	if s.retry.Jitter > 0 {
		amount := d * s.retry.Jitter
		d += (rand.Float64() * 2 * amount) - amount
	}
	return time.Duration(d)
}

// isTransient reports whether an error is worth retrying: network
// faults and Redis LOADING/READONLY states qualify, everything else
// (wrong types, scripting errors) does not.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "LOADING"),
		strings.Contains(msg, "READONLY"):
		return true
	}
	return errors.Is(err, redis.TxFailedErr)
}
