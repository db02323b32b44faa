// Package redis provides a Redis-backed CounterStore for imagegate.
//
// Counters are plain Redis integers and fingerprint sets are Redis sets.
// Commit batches run inside MULTI/EXEC so every increment and its expiry
// land together, which makes the store safe for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/imagegate"
)

var (
	ErrEmptyConnectionURL = errors.New("imagegate/redis: empty connection URL")
	ErrNotReady           = errors.New("imagegate/redis: redis did not become ready")
	ErrHealthcheckFailed  = errors.New("imagegate/redis: healthcheck failed")
)

// Config holds the connection settings.
type Config struct {
	ConnectionURL string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
}

// Connect parses cfg.ConnectionURL and pings until the server answers or
// the attempts are used up.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := goredis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("imagegate/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	_ = client.Close()
	return nil, errors.Join(ErrNotReady, err)
}

// Healthcheck returns a ping probe for client.
func Healthcheck(client goredis.Cmdable) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Store is a Redis-backed CounterStore.
type Store struct {
	client goredis.Cmdable
}

var _ imagegate.CounterStore = (*Store)(nil)

// New creates a Store. The client must be a connected *goredis.Client; a
// *goredis.ClusterClient works only when all keys of a batch share a hash slot.
func New(client goredis.Cmdable) *Store {
	return &Store{client: client}
}

// Count returns the value at key, 0 when missing.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("imagegate/redis: get %s: %w", key, err)
	}
	return n, nil
}

// SetSize returns SCARD of key.
func (s *Store) SetSize(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("imagegate/redis: scard %s: %w", key, err)
	}
	return n, nil
}

// IsMember returns SISMEMBER of key and member.
func (s *Store) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("imagegate/redis: sismember %s: %w", key, err)
	}
	return ok, nil
}

// Apply runs ops in one MULTI/EXEC transaction. Each op is followed by an
// EXPIRE when it carries a TTL.
func (s *Store) Apply(ctx context.Context, ops []imagegate.CounterOp) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case imagegate.OpIncr:
				pipe.Incr(ctx, op.Key)
			case imagegate.OpSetAdd:
				pipe.SAdd(ctx, op.Key, op.Member)
			default:
				return fmt.Errorf("imagegate/redis: unknown op kind %d", op.Kind)
			}
			if op.TTL > 0 {
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("imagegate/redis: apply: %w", err)
	}
	return nil
}
