// Package model defines the core domain types shared across the exchange engine.
// All share prices use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShareKind classifies a listed instrument. Only firm shares are subject
// to order-driven repricing; fund instruments are priced elsewhere.
type ShareKind string

const (
	ShareKindFirm ShareKind = "firm"
	ShareKindFund ShareKind = "fund"
)

// Share is one listed instrument. PurchasingVolume and SalesVolume are
// derived caches, always recomputable from the live order set; the order
// collection is the source of truth for both.
type Share struct {
	Name              string          `json:"name" db:"name"`
	Kind              ShareKind       `json:"kind" db:"kind"`
	SharesOutstanding int64           `json:"shares_outstanding" db:"shares_outstanding"`
	Price             decimal.Decimal `json:"price" db:"price"`
	PurchasingVolume  int64           `json:"purchasing_volume" db:"purchasing_volume"`
	SalesVolume       int64           `json:"sales_volume" db:"sales_volume"`
}

// OrderSide indicates whether an order buys or sells shares.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen    OrderStatus = "OPEN"
	StatusPartial OrderStatus = "PARTIAL"
	StatusDone    OrderStatus = "DONE"
	StatusDeleted OrderStatus = "DELETED"
)

// Order is a buy or sell instruction submitted by an investor.
// Invariant: 0 <= OpenShares <= TotalShares, and OpenShares == 0 only in a
// terminal status. Cancelled orders are never removed from the book; they
// are replaced with a DELETED copy so their history stays queryable.
type Order struct {
	ID          string      `json:"id" db:"id"`
	InvestorID  string      `json:"investor_id" db:"investor_id"`
	ShareName   string      `json:"share_name" db:"share_name"`
	Side        OrderSide   `json:"side" db:"side"`
	TotalShares int64       `json:"total_shares" db:"total_shares"`
	OpenShares  int64       `json:"open_shares" db:"open_shares"`
	Status      OrderStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Pending reports whether the order still contributes to pending volume.
// DONE and DELETED orders never contribute, whatever OpenShares says.
func (o *Order) Pending() bool {
	return o.Status == StatusOpen || o.Status == StatusPartial
}

// Transaction is an immutable settlement record produced by the matching
// engine. The price engine and caches only ever consume these.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	BuyerID       string          `json:"buyer_id" db:"buyer_id"`
	SellerID      string          `json:"seller_id" db:"seller_id"`
	ShareName     string          `json:"share_name" db:"share_name"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// InvestorDepot holds an investor's budget and share holdings.
type InvestorDepot struct {
	InvestorID string           `json:"investor_id" db:"investor_id"`
	Budget     decimal.Decimal  `json:"budget" db:"budget"`
	Holdings   map[string]int64 `json:"holdings" db:"holdings"`
}
