// Package cache maintains a client-side consistent view of tradable shares
// and one investor's orders, patched incrementally from store
// add-notifications instead of full re-reads. Notifications arrive on
// store-owned goroutines; they are funneled into a single cache goroutine
// so events apply one at a time, in arrival order.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/store"
)

// event is one add-notification waiting to be applied. Exactly one of
// the fields is set.
type event struct {
	share *model.Share
	order *model.Order
}

// MarketCache is a read-only shadow of the store's share and order state
// for one investor. It can transiently diverge from the store between
// notifications; readers get eventual consistency, not linearizability.
type MarketCache struct {
	store      store.Store
	investorID string
	tradable   func(model.Share) bool

	events chan event

	mu     sync.RWMutex
	shares map[string]model.Share
	orders map[string]model.Order

	shareSubs []func(model.Share)
	orderSubs []func([]model.Order)
}

// New creates a cache for the given investor. tradable filters which
// shares are mirrored; nil mirrors everything.
func New(st store.Store, investorID string, tradable func(model.Share) bool) *MarketCache {
	if tradable == nil {
		tradable = func(model.Share) bool { return true }
	}
	return &MarketCache{
		store:      st,
		investorID: investorID,
		tradable:   tradable,
		events:     make(chan event, 256),
		shares:     make(map[string]model.Share),
		orders:     make(map[string]model.Order),
	}
}

// OnShareUpdate registers a callback fired after every applied share
// change. Register before Start; callbacks run on the cache goroutine.
func (c *MarketCache) OnShareUpdate(fn func(model.Share)) {
	c.shareSubs = append(c.shareSubs, fn)
}

// OnPendingOrders registers a callback fired with the investor's pending
// orders after every applied order change.
func (c *MarketCache) OnPendingOrders(fn func([]model.Order)) {
	c.orderSubs = append(c.orderSubs, fn)
}

// Start seeds the cache from one store snapshot, subscribes to
// add-notifications, and launches the apply goroutine. If the seeding
// read fails the cache stays empty and the error is surfaced, so callers
// can distinguish "store down" from "market genuinely empty" and retry.
//
// Notifications committed between the seed snapshot and the subscription
// are not replayed; there is no gap-filling protocol.
func (c *MarketCache) Start(ctx context.Context) error {
	if err := c.seed(ctx); err != nil {
		return fmt.Errorf("seed market cache: %w", err)
	}

	c.store.SubscribeShares(func(s model.Share) {
		c.events <- event{share: &s}
	})
	c.store.SubscribeOrders(func(o model.Order) {
		c.events <- event{order: &o}
	})

	go c.run(ctx)
	return nil
}

func (c *MarketCache) seed(ctx context.Context) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}

	orders, err := tx.ListOrders(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	shares, err := tx.ListShares(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range orders {
		c.orders[o.ID] = o
	}
	for _, s := range shares {
		if !c.tradable(s) {
			continue
		}
		s.PurchasingVolume = c.localVolume(s.Name, model.SideBuy)
		s.SalesVolume = c.localVolume(s.Name, model.SideSell)
		c.shares[s.Name] = s
	}
	return nil
}

// run applies events one at a time until ctx is cancelled.
func (c *MarketCache) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			switch {
			case ev.share != nil:
				c.applyShare(*ev.share)
			case ev.order != nil:
				c.applyOrder(*ev.order)
			}
		}
	}
}

// applyShare replaces the cached entry wholesale (last-write-wins by
// arrival order) with volumes recomputed from the local order snapshot.
func (c *MarketCache) applyShare(s model.Share) {
	if !c.tradable(s) {
		return
	}

	c.mu.Lock()
	s.PurchasingVolume = c.localVolume(s.Name, model.SideBuy)
	s.SalesVolume = c.localVolume(s.Name, model.SideSell)
	c.shares[s.Name] = s
	c.mu.Unlock()

	for _, fn := range c.shareSubs {
		fn(s)
	}
}

// applyOrder upserts the order by ID, then recomputes both volumes for
// the affected share from the updated local snapshot.
func (c *MarketCache) applyOrder(o model.Order) {
	c.mu.Lock()
	c.orders[o.ID] = o

	share, cached := c.shares[o.ShareName]
	if cached {
		share.PurchasingVolume = c.localVolume(o.ShareName, model.SideBuy)
		share.SalesVolume = c.localVolume(o.ShareName, model.SideSell)
		c.shares[o.ShareName] = share
	}
	c.mu.Unlock()

	if cached {
		for _, fn := range c.shareSubs {
			fn(share)
		}
	}
	if len(c.orderSubs) > 0 {
		pending := c.PendingOrders()
		for _, fn := range c.orderSubs {
			fn(pending)
		}
	}
}

// localVolume applies the same summation rule as the order book, but to
// the local snapshot. Callers hold c.mu.
func (c *MarketCache) localVolume(shareName string, side model.OrderSide) int64 {
	var total int64
	for _, o := range c.orders {
		if o.ShareName == shareName && o.Side == side && o.Pending() {
			total += o.OpenShares
		}
	}
	return total
}

// Shares returns the cached tradable shares ordered by name.
func (c *MarketCache) Shares() []model.Share {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Share, 0, len(c.shares))
	for _, s := range c.shares {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetShare returns one cached share by name.
func (c *MarketCache) GetShare(name string) (model.Share, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[name]
	return s, ok
}

// PendingOrders returns the investor's orders that still have open shares
// and a non-terminal status, ordered by creation time.
func (c *MarketCache) PendingOrders() []model.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Order
	for _, o := range c.orders {
		if o.InvestorID == c.investorID && o.OpenShares > 0 && o.Pending() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// QueueDepth returns the number of events waiting to be applied and
// warns when the queue is saturated. Exposed for liveness checks.
func (c *MarketCache) QueueDepth() int {
	n := len(c.events)
	if n == cap(c.events) {
		slog.Warn("market cache event queue saturated", "depth", n)
	}
	return n
}
