package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/model"
)

// Channel names for LISTEN/NOTIFY add-notifications. pg_notify inside a
// transaction only fires on commit, which gives subscribers exactly the
// all-or-nothing visibility the engine relies on.
const (
	chanShares       = "shares_added"
	chanOrders       = "orders_added"
	chanTransactions = "transactions_added"
)

// PostgresStore implements Store using PostgreSQL as the source of truth
// for multi-process runs. Prices are stored as NUMERIC for exact decimal
// precision; add-notifications ride on LISTEN/NOTIFY.
type PostgresStore struct {
	pool *pgxpool.Pool

	subMu     sync.RWMutex
	shareSubs []func(model.Share)
	orderSubs []func(model.Order)
	txSubs    []func(model.Transaction)
}

// NewPostgresStore creates a new PostgreSQL-backed store and starts the
// notification listener. The listener stops when ctx is cancelled.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) *PostgresStore {
	s := &PostgresStore{pool: pool}
	go s.listen(ctx)
	return s
}

// Begin opens a SQL transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return &pgTx{tx: tx}, nil
}

// --- Single-shot reads ---

const shareSelect = `SELECT name, kind, shares_outstanding, price::TEXT, purchasing_volume, sales_volume FROM shares`

const orderSelect = `SELECT id, investor_id, share_name, side, total_shares, open_shares, status, created_at FROM orders`

func (s *PostgresStore) GetShare(ctx context.Context, name string) (*model.Share, error) {
	return scanShare(s.pool.QueryRow(ctx, shareSelect+` WHERE name = $1`, name))
}

func (s *PostgresStore) ListShares(ctx context.Context) ([]model.Share, error) {
	rows, err := s.pool.Query(ctx, shareSelect+` ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanShares(rows)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, orderSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, buyer_id, seller_id, share_name, quantity, price_per_share::TEXT, ts
		 FROM settlements ORDER BY ts, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var priceS string
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ShareName,
			&t.Quantity, &priceS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.PricePerShare, _ = decimal.NewFromString(priceS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDepot(ctx context.Context, investorID string) (*model.InvestorDepot, error) {
	var d model.InvestorDepot
	var budgetS string
	var holdings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT investor_id, budget::TEXT, holdings FROM depots WHERE investor_id = $1`,
		investorID).Scan(&d.InvestorID, &budgetS, &holdings)
	if err != nil {
		return nil, mapErr(err)
	}
	d.Budget, _ = decimal.NewFromString(budgetS)
	if err := json.Unmarshal(holdings, &d.Holdings); err != nil {
		return nil, fmt.Errorf("decode depot holdings for %s: %w", investorID, err)
	}
	return &d, nil
}

func (s *PostgresStore) EnqueueRequest(ctx context.Context, order *model.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO intake_queue (order_id, payload, enqueued_at) VALUES ($1, $2, $3)`,
		order.ID, payload, time.Now().UTC())
	return mapErr(err)
}

// --- Subscriptions ---

func (s *PostgresStore) SubscribeShares(fn func(model.Share)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.shareSubs = append(s.shareSubs, fn)
}

func (s *PostgresStore) SubscribeOrders(fn func(model.Order)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.orderSubs = append(s.orderSubs, fn)
}

func (s *PostgresStore) SubscribeTransactions(fn func(model.Transaction)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.txSubs = append(s.txSubs, fn)
}

// listen holds one dedicated connection on LISTEN for all three channels
// and dispatches decoded payloads to subscribers. On connection loss it
// re-acquires with a flat delay; notifications sent while disconnected
// are lost (documented limitation — no resync protocol).
func (s *PostgresStore) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("store listener lost connection", "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, ch := range []string{chanShares, chanOrders, chanTransactions} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatchNotification(n.Channel, []byte(n.Payload))
	}
}

func (s *PostgresStore) dispatchNotification(channel string, payload []byte) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	switch channel {
	case chanShares:
		var sh model.Share
		if err := json.Unmarshal(payload, &sh); err != nil {
			slog.Error("bad share notification payload", "err", err)
			return
		}
		for _, fn := range s.shareSubs {
			fn(sh)
		}
	case chanOrders:
		var o model.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			slog.Error("bad order notification payload", "err", err)
			return
		}
		for _, fn := range s.orderSubs {
			fn(o)
		}
	case chanTransactions:
		var t model.Transaction
		if err := json.Unmarshal(payload, &t); err != nil {
			slog.Error("bad settlement notification payload", "err", err)
			return
		}
		for _, fn := range s.txSubs {
			fn(t)
		}
	}
}

// --- Transaction ---

// pgTx wraps a pgx transaction. Each Put also queues a pg_notify on the
// matching channel; PostgreSQL delivers those only if the transaction
// commits.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ListShares(ctx context.Context) ([]model.Share, error) {
	rows, err := t.tx.Query(ctx, shareSelect+` ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanShares(rows)
}

func (t *pgTx) GetShare(ctx context.Context, name string) (*model.Share, error) {
	return scanShare(t.tx.QueryRow(ctx, shareSelect+` WHERE name = $1`, name))
}

func (t *pgTx) PutShare(ctx context.Context, share *model.Share) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO shares (name, kind, shares_outstanding, price, purchasing_volume, sales_volume)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET
		   kind = EXCLUDED.kind,
		   shares_outstanding = EXCLUDED.shares_outstanding,
		   price = EXCLUDED.price,
		   purchasing_volume = EXCLUDED.purchasing_volume,
		   sales_volume = EXCLUDED.sales_volume`,
		share.Name, share.Kind, share.SharesOutstanding,
		share.Price.String(), share.PurchasingVolume, share.SalesVolume)
	if err != nil {
		return mapErr(err)
	}
	return t.notify(ctx, chanShares, share)
}

func (t *pgTx) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx, orderSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, orderSelect+` WHERE id = $1`, id))
}

func (t *pgTx) PutOrder(ctx context.Context, order *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, investor_id, share_name, side, total_shares, open_shares, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   open_shares = EXCLUDED.open_shares,
		   status = EXCLUDED.status`,
		order.ID, order.InvestorID, order.ShareName, order.Side,
		order.TotalShares, order.OpenShares, order.Status, order.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return t.notify(ctx, chanOrders, order)
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO settlements (id, buyer_id, seller_id, share_name, quantity, price_per_share, ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		tr.ID, tr.BuyerID, tr.SellerID, tr.ShareName,
		tr.Quantity, tr.PricePerShare.String(), tr.Timestamp)
	if err != nil {
		return mapErr(err)
	}
	return t.notify(ctx, chanTransactions, tr)
}

func (t *pgTx) GetDepot(ctx context.Context, investorID string) (*model.InvestorDepot, error) {
	var d model.InvestorDepot
	var budgetS string
	var holdings []byte
	err := t.tx.QueryRow(ctx,
		`SELECT investor_id, budget::TEXT, holdings FROM depots WHERE investor_id = $1`,
		investorID).Scan(&d.InvestorID, &budgetS, &holdings)
	if err != nil {
		return nil, mapErr(err)
	}
	d.Budget, _ = decimal.NewFromString(budgetS)
	if err := json.Unmarshal(holdings, &d.Holdings); err != nil {
		return nil, fmt.Errorf("decode depot holdings for %s: %w", investorID, err)
	}
	return &d, nil
}

func (t *pgTx) PutDepot(ctx context.Context, depot *model.InvestorDepot) error {
	holdings, err := json.Marshal(depot.Holdings)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO depots (investor_id, budget, holdings)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (investor_id) DO UPDATE SET
		   budget = EXCLUDED.budget,
		   holdings = EXCLUDED.holdings`,
		depot.InvestorID, depot.Budget.String(), holdings)
	return mapErr(err)
}

func (t *pgTx) notify(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	return mapErr(err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return mapErr(err)
}

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (*model.Share, error) {
	var sh model.Share
	var priceS string
	if err := row.Scan(&sh.Name, &sh.Kind, &sh.SharesOutstanding,
		&priceS, &sh.PurchasingVolume, &sh.SalesVolume); err != nil {
		return nil, mapErr(err)
	}
	sh.Price, _ = decimal.NewFromString(priceS)
	return &sh, nil
}

func scanShares(rows pgx.Rows) ([]model.Share, error) {
	var out []model.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	if err := row.Scan(&o.ID, &o.InvestorID, &o.ShareName, &o.Side,
		&o.TotalShares, &o.OpenShares, &o.Status, &o.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// mapErr translates driver errors into the store error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
