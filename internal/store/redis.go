package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharespace/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// share snapshots — the hot path for price readers. Writes go through the
// primary transaction and invalidate the cached snapshot on commit; all
// other operations pass through.
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

// Begin opens a transaction on the primary and tracks share writes so the
// corresponding cache entries can be dropped after a successful commit.
func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s}, nil
}

// --- Read-through (shares only) ---

func (s *CachedStore) GetShare(ctx context.Context, name string) (*model.Share, error) {
	data, err := s.rdb.Get(ctx, shareKey(name)).Bytes()
	if err == nil {
		var sh model.Share
		if json.Unmarshal(data, &sh) == nil {
			return &sh, nil
		}
	}

	sh, err := s.primary.GetShare(ctx, name)
	if err != nil {
		return nil, err
	}

	s.cacheShare(ctx, sh)
	return sh, nil
}

// --- Passthrough ---

func (s *CachedStore) ListShares(ctx context.Context) ([]model.Share, error) {
	return s.primary.ListShares(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOrders(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx)
}

func (s *CachedStore) GetDepot(ctx context.Context, investorID string) (*model.InvestorDepot, error) {
	return s.primary.GetDepot(ctx, investorID)
}

func (s *CachedStore) EnqueueRequest(ctx context.Context, order *model.Order) error {
	return s.primary.EnqueueRequest(ctx, order)
}

func (s *CachedStore) SubscribeShares(fn func(model.Share)) {
	s.primary.SubscribeShares(fn)
}

func (s *CachedStore) SubscribeOrders(fn func(model.Order)) {
	s.primary.SubscribeOrders(fn)
}

func (s *CachedStore) SubscribeTransactions(fn func(model.Transaction)) {
	s.primary.SubscribeTransactions(fn)
}

// --- Cache helpers ---

func (s *CachedStore) cacheShare(ctx context.Context, sh *model.Share) {
	if data, err := json.Marshal(sh); err == nil {
		s.rdb.Set(ctx, shareKey(sh.Name), data, s.ttl)
	}
}

func shareKey(name string) string { return fmt.Sprintf("share:%s", name) }

// cachedTx delegates to the primary transaction and remembers which share
// snapshots to invalidate once the commit succeeds. Invalidation after a
// rollback would be harmless but pointless.
type cachedTx struct {
	Tx
	store *CachedStore
	dirty []string
}

func (t *cachedTx) PutShare(ctx context.Context, share *model.Share) error {
	if err := t.Tx.PutShare(ctx, share); err != nil {
		return err
	}
	t.dirty = append(t.dirty, share.Name)
	return nil
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	for _, name := range t.dirty {
		t.store.rdb.Del(ctx, shareKey(name))
	}
	return nil
}
