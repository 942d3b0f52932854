package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every invalidation bumps a per-market generation counter. A reader
// records the generation before it reads the primary and only fills the
// cache if the generation is unchanged, so a checkpoint read before a
// commit can never overwrite the invalidation that commit made.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// setIfGeneration sets KEYS[1] to ARGV[1] only while KEYS[2] still holds
// ARGV[2]. ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	gen, ok := s.generation(ctx, m.ID)
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	if ok {
		s.cacheMarket(ctx, m, gen)
	}
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id, status string) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) CommitSettlement(ctx context.Context, st *model.Settlement) error {
	err := s.primary.CommitSettlement(ctx, st)
	// A conflict means the cached checkpoint is stale too.
	s.invalidate(ctx, st.MarketID)
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	gen, ok := s.generation(ctx, id)
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	if ok {
		s.cacheMarket(ctx, m, gen)
	}
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	// Try cache via ticker→marketID mapping.
	marketID, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	// The mapping never changes, so it outlives the market entry. The
	// market itself is cached on the next lookup through GetMarket.
	s.rdb.Set(ctx, tickerKey(ticker), m.ID, 0)
	return m, nil
}

// GetSettlement caches settlements without expiry; they are immutable.
func (s *CachedStore) GetSettlement(ctx context.Context, marketID string, version uint64) (*model.Settlement, error) {
	key := settlementKey(marketID, version)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var st model.Settlement
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetSettlement(ctx, marketID, version)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, key, data, 0)
	}
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetSettlementsByMarket(ctx context.Context, marketID string) ([]model.Settlement, error) {
	return s.primary.GetSettlementsByMarket(ctx, marketID)
}

// --- Cache helpers ---

// generation returns the market's current cache generation. ok is false
// when Redis cannot answer, in which case the caller must not fill the cache.
func (s *CachedStore) generation(ctx context.Context, id string) (gen string, ok bool) {
	gen, err := s.rdb.Get(ctx, genKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	return gen, err == nil
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	s.rdb.Incr(ctx, genKey(id))
	s.rdb.Del(ctx, marketKey(id))
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market, gen string) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	keys := []string{marketKey(m.ID), genKey(m.ID)}
	setIfGeneration.Run(ctx, s.rdb, keys, data, gen, s.ttl.Milliseconds())
}

func marketKey(id string) string     { return fmt.Sprintf("perp:market:%s", id) }
func genKey(id string) string        { return fmt.Sprintf("perp:market:%s:gen", id) }
func tickerKey(ticker string) string { return fmt.Sprintf("perp:ticker:%s", ticker) }

func settlementKey(marketID string, version uint64) string {
	return fmt.Sprintf("perp:settlement:%s:%d", marketID, version)
}
