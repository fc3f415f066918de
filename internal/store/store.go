// Package store defines the shared-store interface the exchange engine is
// written against: atomic multi-collection transactions, keyed collections
// for shares, orders, and depots, an append-only settlement list, a FIFO
// intake queue, and add-notification subscriptions. Implementations include
// PostgreSQL (source of truth for multi-process runs), a Redis read-through
// cache wrapper, and in-memory (single process and testing).
package store

import (
	"context"
	"errors"

	"github.com/sharespace/exchange-engine/internal/model"
)

var (
	// ErrUnreachable is returned when the shared store cannot be contacted.
	// The affected operation aborts without partial effect.
	ErrUnreachable = errors.New("store: unreachable")

	// ErrConflict is returned when a commit fails due to a concurrent
	// conflicting writer. Callers treat it like ErrUnreachable: abort,
	// no retry before the next scheduled attempt.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrNotFound is returned when a keyed lookup has no entry.
	ErrNotFound = errors.New("store: not found")
)

// Tx is an atomic scope over any number of collection operations.
// Reads inside a Tx observe a consistent snapshot plus the Tx's own
// writes; nothing becomes visible to other processes before Commit.
type Tx interface {
	// --- Shares (keyed by name) ---

	ListShares(ctx context.Context) ([]model.Share, error)
	GetShare(ctx context.Context, name string) (*model.Share, error)
	PutShare(ctx context.Context, share *model.Share) error

	// --- Orders (keyed by ID, never physically deleted) ---

	ListOrders(ctx context.Context) ([]model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	PutOrder(ctx context.Context, order *model.Order) error

	// --- Settlement records (append-only list) ---

	AppendTransaction(ctx context.Context, t *model.Transaction) error

	// --- Investor depots (keyed by investor ID) ---

	GetDepot(ctx context.Context, investorID string) (*model.InvestorDepot, error)
	PutDepot(ctx context.Context, depot *model.InvestorDepot) error

	// Commit atomically applies every write performed under this Tx.
	// On error the Tx is discarded and no write is visible.
	Commit(ctx context.Context) error

	// Rollback discards the Tx. Safe to call after a failed Commit.
	Rollback(ctx context.Context) error
}

// Store is the shared-store contract. Begin opens a transaction; the
// remaining methods are single-shot convenience reads, the enqueue-only
// intake queue, and add-notification subscriptions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetShare(ctx context.Context, name string) (*model.Share, error)
	ListShares(ctx context.Context) ([]model.Share, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context) ([]model.Order, error)
	ListTransactions(ctx context.Context) ([]model.Transaction, error)
	GetDepot(ctx context.Context, investorID string) (*model.InvestorDepot, error)

	// EnqueueRequest hands a freshly placed order to the external matching
	// engine's intake queue. Nothing in this repository dequeues.
	EnqueueRequest(ctx context.Context, order *model.Order) error

	// Subscriptions deliver every added or replaced entry, in commit order,
	// on a store-owned goroutine. Callbacks must not block.
	SubscribeShares(fn func(model.Share))
	SubscribeOrders(fn func(model.Order))
	SubscribeTransactions(fn func(model.Transaction))
}
