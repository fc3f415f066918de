package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/engine"
	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func commitShare(t *testing.T, st store.Store, sh model.Share) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutShare(ctx, &sh); err != nil {
		t.Fatalf("put share: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func commitOrder(t *testing.T, st store.Store, o model.Order) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutOrder(ctx, &o); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// waitShare blocks until a share update for name arrives on ch and
// satisfies cond, or the test times out.
func waitShare(t *testing.T, ch <-chan model.Share, name string, cond func(model.Share) bool) model.Share {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Name == name && cond(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for share update for %s", name)
		}
	}
}

func TestCache_SeedsFromSnapshot(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("100")})
	commitShare(t, ms, model.Share{Name: "SAFEFUND", Kind: model.ShareKindFund, Price: d("50")})
	commitOrder(t, ms, model.Order{ID: "o1", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 30, OpenShares: 30,
		Status: model.StatusOpen, CreatedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ms, "inv-1", engine.DefaultTradable)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	shares := c.Shares()
	if len(shares) != 1 {
		t.Fatalf("expected 1 tradable share after seeding, got %d", len(shares))
	}
	if shares[0].Name != "ACME" {
		t.Errorf("fund instrument must be filtered out, got %s", shares[0].Name)
	}
	if shares[0].PurchasingVolume != 30 {
		t.Errorf("expected seeded buy volume 30, got %d", shares[0].PurchasingVolume)
	}

	pending := c.PendingOrders()
	if len(pending) != 1 || pending[0].ID != "o1" {
		t.Errorf("expected seeded pending order o1, got %v", pending)
	}
}

func TestCache_OrderNotificationRecomputesVolume(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("100")})

	updates := make(chan model.Share, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ms, "inv-1", engine.DefaultTradable)
	c.OnShareUpdate(func(s model.Share) { updates <- s })
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	commitOrder(t, ms, model.Order{ID: "o1", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 30, OpenShares: 30,
		Status: model.StatusOpen, CreatedAt: time.Now()})

	got := waitShare(t, updates, "ACME", func(s model.Share) bool {
		return s.PurchasingVolume == 30
	})
	if got.SalesVolume != 0 {
		t.Errorf("expected sell volume 0, got %d", got.SalesVolume)
	}

	// Cancelling is an upsert of the same ID; volume must drop, not double.
	commitOrder(t, ms, model.Order{ID: "o1", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 30, OpenShares: 30,
		Status: model.StatusDeleted, CreatedAt: time.Now()})

	waitShare(t, updates, "ACME", func(s model.Share) bool {
		return s.PurchasingVolume == 0
	})
}

func TestCache_ShareNotificationIsLastWriteWins(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("100")})

	updates := make(chan model.Share, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ms, "inv-1", engine.DefaultTradable)
	c.OnShareUpdate(func(s model.Share) { updates <- s })
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("103.125")})
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("97")})

	waitShare(t, updates, "ACME", func(s model.Share) bool {
		return s.Price.Equal(d("97"))
	})

	got, ok := c.GetShare("ACME")
	if !ok {
		t.Fatal("ACME missing from cache")
	}
	if !got.Price.Equal(d("97")) {
		t.Errorf("expected last committed price 97, got %s", got.Price)
	}
}

func TestCache_PendingOrdersFiltersInvestorAndStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("100")})

	base := time.Now()
	commitOrder(t, ms, model.Order{ID: "mine-open", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 10, OpenShares: 10,
		Status: model.StatusOpen, CreatedAt: base})
	commitOrder(t, ms, model.Order{ID: "mine-partial", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideSell, TotalShares: 10, OpenShares: 4,
		Status: model.StatusPartial, CreatedAt: base.Add(time.Second)})
	commitOrder(t, ms, model.Order{ID: "mine-done", InvestorID: "inv-1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 10, OpenShares: 0,
		Status: model.StatusDone, CreatedAt: base.Add(2 * time.Second)})
	commitOrder(t, ms, model.Order{ID: "theirs", InvestorID: "inv-2", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 10, OpenShares: 10,
		Status: model.StatusOpen, CreatedAt: base.Add(3 * time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ms, "inv-1", engine.DefaultTradable)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	pending := c.PendingOrders()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending orders, got %d", len(pending))
	}
	if pending[0].ID != "mine-open" || pending[1].ID != "mine-partial" {
		t.Errorf("expected [mine-open mine-partial] in creation order, got [%s %s]",
			pending[0].ID, pending[1].ID)
	}
}

func TestCache_OrderForUncachedShareStillTracked(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "SAFEFUND", Kind: model.ShareKindFund, Price: d("50")})

	pendingCh := make(chan []model.Order, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ms, "inv-1", engine.DefaultTradable)
	c.OnPendingOrders(func(orders []model.Order) { pendingCh <- orders })
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	commitOrder(t, ms, model.Order{ID: "o1", InvestorID: "inv-1", ShareName: "SAFEFUND",
		Side: model.SideBuy, TotalShares: 5, OpenShares: 5,
		Status: model.StatusOpen, CreatedAt: time.Now()})

	select {
	case pending := <-pendingCh:
		if len(pending) != 1 || pending[0].ID != "o1" {
			t.Errorf("expected pending [o1], got %v", pending)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pending-orders callback")
	}

	if _, ok := c.GetShare("SAFEFUND"); ok {
		t.Error("fund instrument must not appear in the share cache")
	}
}

// failBeginStore refuses to open transactions.
type failBeginStore struct {
	store.Store
}

func (s *failBeginStore) Begin(context.Context) (store.Tx, error) {
	return nil, store.ErrUnreachable
}

func TestCache_SeedFailureLeavesCacheEmpty(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	commitShare(t, ms, model.Share{Name: "ACME", Kind: model.ShareKindFirm, Price: d("100")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(&failBeginStore{Store: ms}, "inv-1", engine.DefaultTradable)
	if err := c.Start(ctx); err == nil {
		t.Fatal("expected seed failure to surface an error")
	}

	if got := c.Shares(); len(got) != 0 {
		t.Errorf("expected empty cache after failed seed, got %d shares", len(got))
	}
}
