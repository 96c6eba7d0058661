package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/market"
)

const (
	barCacheKeyPrefix     = "ofbars:"
	barCacheTradeIDPrefix = "oflastid:"
	barCacheTTL           = 48 * time.Hour
	barCacheMaxBars       = 500
)

// BarCache persists order-flow bar snapshots and the last processed trade id
// per symbol in Redis so aggregator state survives restarts. All methods
// degrade gracefully; a dead Redis means cold starts, not failures.
type BarCache struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewBarCache(cfg config.RedisConfig, logger zerolog.Logger) *BarCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &BarCache{
		client: client,
		logger: logger.With().Str("component", "bar_cache").Logger(),
	}
}

// Ping verifies connectivity. Callers may ignore the error and run cold.
func (c *BarCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// SaveBars stores the most recent snapshots and the last trade id for the
// symbol.
func (c *BarCache) SaveBars(ctx context.Context, symbol string, snaps []market.BarSnapshot, lastTradeID int64) error {
	if len(snaps) > barCacheMaxBars {
		snaps = snaps[len(snaps)-barCacheMaxBars:]
	}
	blob, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("marshaling bar snapshots: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, barCacheKeyPrefix+symbol, blob, barCacheTTL)
	pipe.Set(ctx, barCacheTradeIDPrefix+symbol, lastTradeID, barCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing bar cache: %w", err)
	}
	return nil
}

// LoadBars implements strategy.BarCacheLoader. Missing keys return an empty
// result, not an error.
func (c *BarCache) LoadBars(symbol string) ([]market.BarSnapshot, int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	blob, err := c.client.Get(ctx, barCacheKeyPrefix+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("bar cache read failed, cold start")
		return nil, 0, nil
	}
	var snaps []market.BarSnapshot
	if err := json.Unmarshal(blob, &snaps); err != nil {
		return nil, 0, fmt.Errorf("unmarshaling bar snapshots: %w", err)
	}

	lastID, err := c.client.Get(ctx, barCacheTradeIDPrefix+symbol).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		lastID = 0
	}
	return snaps, lastID, nil
}

// Close releases the Redis connection.
func (c *BarCache) Close() error {
	return c.client.Close()
}
