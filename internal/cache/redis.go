package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/pricefeed/internal/domain/price"
)

// RedisConfig configures the distributed price layer.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention is the key expiry. It exceeds the freshness TTL so stale values remain
	// available as last-known prices.
	Retention time.Duration
}

func (c RedisConfig) normalize() RedisConfig {
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "pricefeed:price:"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// RedisStore persists current prices in Redis, one key per symbol.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(client, cfg), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	cfg = cfg.normalize()
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, retention: cfg.Retention}
}

// Save writes the record under its symbol key.
func (s *RedisStore) Save(ctx context.Context, rec price.PriceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(rec.Symbol), data, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", rec.Symbol, err)
	}
	return nil
}

// Get loads a single record; found is false when the key does not exist.
func (s *RedisStore) Get(ctx context.Context, symbol string) (price.PriceRecord, bool, error) {
	data, err := s.client.Get(ctx, s.key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return price.PriceRecord{}, false, nil
		}
		return price.PriceRecord{}, false, fmt.Errorf("redis get %s: %w", symbol, err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return price.PriceRecord{}, false, err
	}
	return rec, true, nil
}

// Load fetches every present symbol in a single round trip.
func (s *RedisStore) Load(ctx context.Context, symbols []string) ([]price.PriceRecord, error) {
	symbols = price.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}
	keys := make([]string, len(symbols))
	for i, symbol := range symbols {
		keys[i] = s.key(symbol)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]price.PriceRecord, 0, len(values))
	var decodeErrs []error
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		rec, err := DecodeRecord([]byte(str))
		if err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("%s: %w", keys[i], err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(decodeErrs...)
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(symbol string) string {
	return s.prefix + price.NormalizeSymbol(symbol)
}
