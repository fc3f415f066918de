package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sharespace/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the authoritative
// store for single-process runs and for testing. A Tx holds the store lock
// from Begin to Commit/Rollback, so transactions are serializable and scans
// never observe a torn mix of pre- and post-update entries.
type MemoryStore struct {
	mu          sync.Mutex // held by an open Tx for its whole duration
	shares      map[string]model.Share
	orders      map[string]model.Order
	settlements []model.Transaction
	depots      map[string]model.InvestorDepot
	intake      []model.Order

	subMu     sync.RWMutex
	shareSubs []func(model.Share)
	orderSubs []func(model.Order)
	txSubs    []func(model.Transaction)

	events    chan func()
	closeOnce sync.Once
}

// NewMemoryStore creates a new in-memory store and starts its notification
// dispatch goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		shares: make(map[string]model.Share),
		orders: make(map[string]model.Order),
		depots: make(map[string]model.InvestorDepot),
		events: make(chan func(), 256),
	}
	go s.dispatch()
	return s
}

// dispatch delivers notifications one at a time, in commit order.
func (s *MemoryStore) dispatch() {
	for fn := range s.events {
		fn()
	}
}

// Close stops the notification dispatcher. Pending notifications are
// still delivered.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Begin opens a transaction. The store lock is held until Commit or
// Rollback; concurrent transactions queue behind it.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{
		s:      s,
		shares: make(map[string]model.Share),
		orders: make(map[string]model.Order),
		depots: make(map[string]model.InvestorDepot),
	}, nil
}

// --- Single-shot reads ---

func (s *MemoryStore) GetShare(_ context.Context, name string) (*model.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shares[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &sh, nil
}

func (s *MemoryStore) ListShares(_ context.Context) ([]model.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedShares(s.shares, nil), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedOrders(s.orders, nil), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Transaction, len(s.settlements))
	copy(out, s.settlements)
	return out, nil
}

func (s *MemoryStore) GetDepot(_ context.Context, investorID string) (*model.InvestorDepot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.depots[investorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyDepot(d)
	return &cp, nil
}

func (s *MemoryStore) EnqueueRequest(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intake = append(s.intake, *order)
	return nil
}

// IntakeDepth returns the number of enqueued intake requests. Used by the
// external matcher and by tests.
func (s *MemoryStore) IntakeDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intake)
}

// --- Subscriptions ---

func (s *MemoryStore) SubscribeShares(fn func(model.Share)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.shareSubs = append(s.shareSubs, fn)
}

func (s *MemoryStore) SubscribeOrders(fn func(model.Order)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.orderSubs = append(s.orderSubs, fn)
}

func (s *MemoryStore) SubscribeTransactions(fn func(model.Transaction)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.txSubs = append(s.txSubs, fn)
}

func (s *MemoryStore) notifyShare(sh model.Share) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.shareSubs {
		fn(sh)
	}
}

func (s *MemoryStore) notifyOrder(o model.Order) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.orderSubs {
		fn(o)
	}
}

func (s *MemoryStore) notifyTransaction(t model.Transaction) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.txSubs {
		fn(t)
	}
}

// --- Transaction ---

// memTx buffers writes and applies them on Commit while the store lock is
// still held. Reads merge committed state with the Tx's own writes.
type memTx struct {
	s           *MemoryStore
	shares      map[string]model.Share
	orders      map[string]model.Order
	settlements []model.Transaction
	depots      map[string]model.InvestorDepot
	done        bool
}

func (tx *memTx) ListShares(_ context.Context) ([]model.Share, error) {
	return sortedShares(tx.s.shares, tx.shares), nil
}

func (tx *memTx) GetShare(_ context.Context, name string) (*model.Share, error) {
	if sh, ok := tx.shares[name]; ok {
		return &sh, nil
	}
	sh, ok := tx.s.shares[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &sh, nil
}

func (tx *memTx) PutShare(_ context.Context, share *model.Share) error {
	tx.shares[share.Name] = *share
	return nil
}

func (tx *memTx) ListOrders(_ context.Context) ([]model.Order, error) {
	return sortedOrders(tx.s.orders, tx.orders), nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return &o, nil
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (tx *memTx) PutOrder(_ context.Context, order *model.Order) error {
	tx.orders[order.ID] = *order
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, t *model.Transaction) error {
	tx.settlements = append(tx.settlements, *t)
	return nil
}

func (tx *memTx) GetDepot(_ context.Context, investorID string) (*model.InvestorDepot, error) {
	if d, ok := tx.depots[investorID]; ok {
		cp := copyDepot(d)
		return &cp, nil
	}
	d, ok := tx.s.depots[investorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyDepot(d)
	return &cp, nil
}

func (tx *memTx) PutDepot(_ context.Context, depot *model.InvestorDepot) error {
	tx.depots[depot.InvestorID] = copyDepot(*depot)
	return nil
}

// Commit applies the buffered writes, releases the store lock, and queues
// one add-notification per written entry in write order.
func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true

	s := tx.s
	var fns []func()
	for _, sh := range sortedShares(nil, tx.shares) {
		s.shares[sh.Name] = sh
		shc := sh
		fns = append(fns, func() { s.notifyShare(shc) })
	}
	for _, o := range sortedOrders(nil, tx.orders) {
		s.orders[o.ID] = o
		oc := o
		fns = append(fns, func() { s.notifyOrder(oc) })
	}
	for _, t := range tx.settlements {
		s.settlements = append(s.settlements, t)
		tc := t
		fns = append(fns, func() { s.notifyTransaction(tc) })
	}
	for id, d := range tx.depots {
		s.depots[id] = d
	}
	s.mu.Unlock()

	for _, fn := range fns {
		s.events <- fn
	}
	return nil
}

// Rollback discards the buffered writes and releases the store lock.
func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.s.mu.Unlock()
	return nil
}

// --- helpers ---

// sortedShares merges committed and pending entries (pending wins) and
// returns them ordered by name for deterministic iteration.
func sortedShares(committed, pending map[string]model.Share) []model.Share {
	merged := make(map[string]model.Share, len(committed)+len(pending))
	for k, v := range committed {
		merged[k] = v
	}
	for k, v := range pending {
		merged[k] = v
	}
	out := make([]model.Share, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedOrders(committed, pending map[string]model.Order) []model.Order {
	merged := make(map[string]model.Order, len(committed)+len(pending))
	for k, v := range committed {
		merged[k] = v
	}
	for k, v := range pending {
		merged[k] = v
	}
	out := make([]model.Order, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyDepot(d model.InvestorDepot) model.InvestorDepot {
	cp := d
	cp.Holdings = make(map[string]int64, len(d.Holdings))
	for k, v := range d.Holdings {
		cp.Holdings[k] = v
	}
	return cp
}
