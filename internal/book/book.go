// Package book maintains order-book consistency against the shared store:
// transactional pending-volume aggregation, order placement, and
// all-or-nothing cancellation.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sharespace/exchange-engine/internal/metrics"
	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/store"
)

// Book exposes the order-book operations. All consistency-sensitive work
// runs inside store transactions; the Book itself holds no order state.
type Book struct {
	store store.Store
}

// New creates a Book over the given store.
func New(st store.Store) *Book {
	return &Book{store: st}
}

// PendingVolumeTx sums OpenShares over every order for shareName on the
// given side whose status still contributes (OPEN or PARTIAL). The scan
// runs under the caller's transaction so concurrent insertions and
// cancellations cannot produce a torn read.
func PendingVolumeTx(ctx context.Context, tx store.Tx, shareName string, side model.OrderSide) (int64, error) {
	start := time.Now()
	defer func() { metrics.VolumeScanDuration.Observe(time.Since(start).Seconds()) }()

	orders, err := tx.ListOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan orders for %s: %w", shareName, err)
	}

	var total int64
	for i := range orders {
		o := &orders[i]
		if o.ShareName == shareName && o.Side == side && o.Pending() {
			total += o.OpenShares
		}
	}
	return total, nil
}

// PendingVolume runs PendingVolumeTx in its own read transaction. On any
// store failure the transaction rolls back and no value is returned —
// volume is never approximated from a failed read.
func (b *Book) PendingVolume(ctx context.Context, shareName string, side model.OrderSide) (int64, error) {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return 0, err
	}

	total, err := PendingVolumeTx(ctx, tx, shareName, side)
	if err != nil {
		tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// PlaceOrder writes the order (status OPEN, all shares open) and enqueues
// it for the external matching engine, in one transaction.
func (b *Book) PlaceOrder(ctx context.Context, order *model.Order) error {
	order.Status = model.StatusOpen
	order.OpenShares = order.TotalShares

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.PutOrder(ctx, order); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := b.store.EnqueueRequest(ctx, order); err != nil {
		// The order is on the book either way; the matcher also observes
		// the add-notification, so a lost intake entry is recoverable.
		slog.Warn("order intake enqueue failed", "order", order.ID, "err", err)
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Side)).Inc()
	return nil
}

// CancelOrder replaces the order with a DELETED copy in one transaction.
// Cancellation is all-or-nothing: a failed commit leaves the order's
// visible state unchanged. Cancelling an unknown or already cancelled
// order is a no-op, not an error.
func (b *Book) CancelOrder(ctx context.Context, id string) error {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}

	order, err := tx.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		tx.Rollback(ctx)
		return nil
	}
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	if order.Status == model.StatusDeleted {
		tx.Rollback(ctx)
		return nil
	}

	cancelled := *order
	cancelled.Status = model.StatusDeleted
	if err := tx.PutOrder(ctx, &cancelled); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.OrdersCancelled.Inc()
	return nil
}
