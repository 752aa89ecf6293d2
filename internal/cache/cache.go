package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
)

// Store is the key/value contract the lot cache needs. Redis in production,
// an in-memory fake in tests.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisStore backs Store with a shared Redis client. The client is
// constructed once at process start and injected wherever caching is
// needed; there is no package-level handle.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Listing cache keys: one for the unfiltered view, one per pin code.
const listingKeyAll = "lots:all"

func ListingKey(pinCode string) string {
	if pinCode == "" {
		return listingKeyAll
	}
	return "lots:pin:" + pinCode
}

// Outcome is the result of a best-effort cache operation. Cache failures
// never propagate to callers of a read or mutation; they are logged here
// and the caller falls through to the database.
type Outcome struct {
	Op  string
	Key string
	Err error
}

func (o Outcome) Failed() bool { return o.Err != nil }

func (o Outcome) log(logger *log.Logger) {
	if o.Err != nil {
		logger.Printf("[cache] %s %s failed: %v", o.Op, o.Key, o.Err)
	}
}

// LotCache is the read-through cache for lot listings. A nil receiver or
// nil store disables caching entirely (every read is a miss, every write a
// no-op), which is what the CLI and most tests use.
type LotCache struct {
	store  Store
	ttl    time.Duration
	logger *log.Logger
}

func NewLotCache(store Store, ttl time.Duration, logger *log.Logger) *LotCache {
	if logger == nil {
		logger = log.Default()
	}
	return &LotCache{store: store, ttl: ttl, logger: logger}
}

func (c *LotCache) enabled() bool { return c != nil && c.store != nil }

// GetListing returns the cached projection for a pin filter, or ok=false on
// miss. Any store error is treated as a miss and logged.
func (c *LotCache) GetListing(ctx context.Context, pinCode string) ([]domain.LotSummary, bool) {
	if !c.enabled() {
		return nil, false
	}
	key := ListingKey(pinCode)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		Outcome{Op: "get", Key: key, Err: err}.log(c.logger)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var lots []domain.LotSummary
	if err := json.Unmarshal([]byte(raw), &lots); err != nil {
		Outcome{Op: "decode", Key: key, Err: err}.log(c.logger)
		return nil, false
	}
	return lots, true
}

// PutListing stores a freshly queried projection with the configured TTL.
func (c *LotCache) PutListing(ctx context.Context, pinCode string, lots []domain.LotSummary) Outcome {
	if !c.enabled() {
		return Outcome{}
	}
	key := ListingKey(pinCode)
	raw, err := json.Marshal(lots)
	if err == nil {
		err = c.store.Set(ctx, key, string(raw), c.ttl)
	}
	out := Outcome{Op: "set", Key: key, Err: err}
	out.log(c.logger)
	return out
}

// InvalidateListing drops the unfiltered key plus one key per given pin
// code. Called after every lot mutation commits; a failure leaves a stale
// entry that self-expires within the TTL.
func (c *LotCache) InvalidateListing(ctx context.Context, pinCodes ...string) Outcome {
	if !c.enabled() {
		return Outcome{}
	}
	keys := []string{listingKeyAll}
	seen := map[string]bool{}
	for _, pin := range pinCodes {
		if pin == "" || seen[pin] {
			continue
		}
		seen[pin] = true
		keys = append(keys, ListingKey(pin))
	}
	out := Outcome{Op: "delete", Key: keys[0], Err: c.store.Delete(ctx, keys...)}
	out.log(c.logger)
	return out
}
