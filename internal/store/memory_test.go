package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/model"
)

func TestMemoryStore_CommitAppliesWrites(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	share := &model.Share{Name: "ACME", Kind: model.ShareKindFirm,
		SharesOutstanding: 1000, Price: decimal.NewFromInt(100)}
	if err := tx.PutShare(ctx, share); err != nil {
		t.Fatalf("put share: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.GetShare(ctx, "ACME")
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected price 100, got %s", got.Price)
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutShare(ctx, &model.Share{Name: "ACME", Price: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("put share: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.GetShare(ctx, "ACME"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after rollback, got %v", err)
	}
}

func TestMemoryStore_ReadYourWrites(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.PutShare(ctx, &model.Share{Name: "ACME", Price: decimal.NewFromInt(42)}); err != nil {
		t.Fatalf("put share: %v", err)
	}
	got, err := tx.GetShare(ctx, "ACME")
	if err != nil {
		t.Fatalf("expected uncommitted write visible inside tx, got %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(42)) {
		t.Errorf("expected price 42, got %s", got.Price)
	}

	shares, err := tx.ListShares(ctx)
	if err != nil {
		t.Fatalf("list shares: %v", err)
	}
	if len(shares) != 1 {
		t.Errorf("expected pending write in scan, got %d shares", len(shares))
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.GetShare(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetShare: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetOrder(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDepot(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDepot: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TransactionsAreSerialized(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutShare(ctx, &model.Share{Name: "ACME", Price: decimal.NewFromInt(0)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	// Concurrent read-modify-write increments must not lose updates.
	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tx, err := s.Begin(ctx)
				if err != nil {
					t.Errorf("begin: %v", err)
					return
				}
				sh, err := tx.GetShare(ctx, "ACME")
				if err != nil {
					t.Errorf("get: %v", err)
					tx.Rollback(ctx)
					return
				}
				sh.Price = sh.Price.Add(decimal.NewFromInt(1))
				if err := tx.PutShare(ctx, sh); err != nil {
					t.Errorf("put: %v", err)
					tx.Rollback(ctx)
					return
				}
				if err := tx.Commit(ctx); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetShare(ctx, "ACME")
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	want := decimal.NewFromInt(workers * perWorker)
	if !got.Price.Equal(want) {
		t.Errorf("lost updates: expected %s, got %s", want, got.Price)
	}
}

func TestMemoryStore_NotificationsFollowCommitOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	got := make(chan string, 10)
	s.SubscribeShares(func(sh model.Share) { got <- "share:" + sh.Name })
	s.SubscribeOrders(func(o model.Order) { got <- "order:" + o.ID })

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutShare(ctx, &model.Share{Name: "ACME", Price: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("put share: %v", err)
	}
	if err := tx.PutOrder(ctx, &model.Order{ID: "o1", ShareName: "ACME",
		Side: model.SideBuy, TotalShares: 10, OpenShares: 10,
		Status: model.StatusOpen, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	want := []string{"share:ACME", "order:o1"}
	for _, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Fatalf("expected notification %q, got %q", w, g)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %q", w)
		}
	}
}

func TestMemoryStore_NoNotificationOnRollback(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	got := make(chan string, 10)
	s.SubscribeShares(func(sh model.Share) { got <- sh.Name })

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.PutShare(ctx, &model.Share{Name: "ACME"}); err != nil {
		t.Fatalf("put share: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	select {
	case name := <-got:
		t.Fatalf("unexpected notification for %q after rollback", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStore_SettlementsAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i, id := range []string{"t1", "t2"} {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		rec := &model.Transaction{ID: id, ShareName: "ACME", Quantity: int64(i + 1),
			PricePerShare: decimal.NewFromInt(100), Timestamp: time.Now()}
		if err := tx.AppendTransaction(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	all, err := s.ListTransactions(ctx)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "t1" || all[1].ID != "t2" {
		t.Errorf("expected [t1 t2] in append order, got %v", all)
	}
}

func TestMemoryStore_DepotCopiesHoldings(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	depot := &model.InvestorDepot{InvestorID: "inv-1",
		Budget: decimal.NewFromInt(1000), Holdings: map[string]int64{"ACME": 5}}
	if err := tx.PutDepot(ctx, depot); err != nil {
		t.Fatalf("put depot: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Mutating the caller's map must not reach the stored copy.
	depot.Holdings["ACME"] = 999

	got, err := s.GetDepot(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get depot: %v", err)
	}
	if got.Holdings["ACME"] != 5 {
		t.Errorf("stored holdings aliased to caller map, got %d", got.Holdings["ACME"])
	}
}
