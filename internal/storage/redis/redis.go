package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	schemaKey     = keyPrefix + "schema"
	schemaVersion = "1"

	connectTimeout = 5 * time.Second
)

// Store keeps runtime records in Redis hashes with per-date index sets.
type Store struct {
	client  *redis.Client
	runtime *runtimeStore
}

// Open connects to Redis and checks the stored record schema.
func Open(cfg config.RedisConfig) (*Store, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := checkSchema(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Store{client: client, runtime: newRuntimeStore(client)}, nil
}

func clientOptions(cfg config.RedisConfig) (*redis.Options, error) {
	dial, err := parseTimeout("dial_timeout", cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	read, err := parseTimeout("read_timeout", cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	write, err := parseTimeout("write_timeout", cfg.WriteTimeout)
	if err != nil {
		return nil, err
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	return &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dial,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func parseTimeout(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// checkSchema stamps an empty database and refuses one written by a
// different record layout.
func checkSchema(ctx context.Context, client *redis.Client) error {
	v, err := client.Get(ctx, schemaKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		if err := client.SetNX(ctx, schemaKey, schemaVersion, 0).Err(); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unsupported runtime schema %q (want %s)", v, schemaVersion)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Runtime returns the runtime record store.
func (s *Store) Runtime() storage.RuntimeStore {
	return s.runtime
}
