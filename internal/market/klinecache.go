package market

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"trading-supervisor/internal/exchange"
)

// KlineFetcher is the slice of the exchange client the cache needs.
type KlineFetcher interface {
	GetOHLCV(symbol, timeframe string, limit int) ([]exchange.Kline, error)
}

// KlineCache fronts the exchange kline endpoint with a short TTL so that the
// several strategies sharing a (symbol, timeframe) within one cycle cost a
// single request.
type KlineCache struct {
	fetcher KlineFetcher
	cache   *gocache.Cache
}

func NewKlineCache(fetcher KlineFetcher, ttl time.Duration) *KlineCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &KlineCache{
		fetcher: fetcher,
		cache:   gocache.New(ttl, 2*ttl),
	}
}

// Get returns at least limit klines for (symbol, timeframe), from cache when
// fresh. A cached entry with fewer bars than requested is refetched.
func (kc *KlineCache) Get(symbol, timeframe string, limit int) ([]exchange.Kline, error) {
	key := symbol + "|" + timeframe
	if v, ok := kc.cache.Get(key); ok {
		klines := v.([]exchange.Kline)
		if len(klines) >= limit {
			return klines[len(klines)-limit:], nil
		}
	}
	klines, err := kc.fetcher.GetOHLCV(symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for cache: %w", err)
	}
	kc.cache.Set(key, klines, gocache.DefaultExpiration)
	return klines, nil
}

// Invalidate drops the cached entry for (symbol, timeframe).
func (kc *KlineCache) Invalidate(symbol, timeframe string) {
	kc.cache.Delete(symbol + "|" + timeframe)
}
