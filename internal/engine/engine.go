// Package engine implements the price-formation engine: a periodic process
// that reprices every tradable share from its pending order volume and
// applies a stochastic perturbation on a slower cadence. Each tick is one
// atomic store transaction; a failed commit discards the whole tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/book"
	"github.com/sharespace/exchange-engine/internal/metrics"
	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/store"
)

const (
	// DefaultInterval is the repricing cadence.
	DefaultInterval = 2 * time.Second

	// DefaultNoiseEvery applies the noise step on every third tick.
	DefaultNoiseEvery = 3

	// imbalanceDivisor bounds the per-tick price move to 1/16 of the full
	// imbalance ratio, preventing single-tick price shocks.
	imbalanceDivisor = 16
)

var (
	one        = decimal.NewFromInt(1)
	oneHundred = decimal.NewFromInt(100)
)

// DefaultTradable treats every share that is not a fund instrument as
// subject to order-driven repricing.
func DefaultTradable(s model.Share) bool {
	return s.Kind != model.ShareKindFund
}

// Options configures an Engine. Zero values pick the defaults above.
type Options struct {
	Interval   time.Duration
	NoiseEvery int
	Tradable   func(model.Share) bool
	Rand       *rand.Rand
}

// Engine recomputes share prices on a fixed cadence. The noise-tick
// counter is explicit engine state so ticks can be driven synthetically
// in tests.
type Engine struct {
	store      store.Store
	interval   time.Duration
	noiseEvery int
	tradable   func(model.Share) bool
	rng        *rand.Rand

	tickMu          sync.Mutex // guards against overlapping ticks
	ticksSinceNoise int
}

// New creates a price engine over the given store.
func New(st store.Store, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NoiseEvery <= 0 {
		opts.NoiseEvery = DefaultNoiseEvery
	}
	if opts.Tradable == nil {
		opts.Tradable = DefaultTradable
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		store:      st,
		interval:   opts.Interval,
		noiseEvery: opts.NoiseEvery,
		tradable:   opts.Tradable,
		rng:        opts.Rand,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and the
// engine simply waits for the next timer fire; there is no busy retry,
// so under sustained store unavailability the price feed stalls instead
// of crashing.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("price engine started", "interval", e.interval, "noise_every", e.noiseEvery)
	for {
		select {
		case <-ctx.Done():
			slog.Info("price engine stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				slog.Error("price tick failed, waiting for next tick", "err", err)
			}
		}
	}
}

// Tick executes one price-formation pass as a single transaction spanning
// all tradable shares: read pending volumes, write new prices, then the
// noise step, then commit. If another tick is still in flight this fire
// is skipped — two repricing transactions must never run concurrently
// against the same share set.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		metrics.TicksSkipped.Inc()
		slog.Warn("previous price tick still running, skipping")
		return nil
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		metrics.TickFailures.Inc()
		return fmt.Errorf("begin tick transaction: %w", err)
	}

	tradable, err := e.reprice(ctx, tx)
	if err != nil {
		tx.Rollback(ctx)
		metrics.TickFailures.Inc()
		return err
	}

	if err := e.noiseStep(ctx, tx, tradable); err != nil {
		tx.Rollback(ctx)
		metrics.TickFailures.Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.TickFailures.Inc()
		return fmt.Errorf("commit tick: %w", err)
	}

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	slog.Debug("price tick committed", "shares", len(tradable), "took", time.Since(start))
	return nil
}

// reprice applies the fundamental order-pressure step to every tradable
// share and returns the names of the tradable set for the noise step.
func (e *Engine) reprice(ctx context.Context, tx store.Tx) ([]string, error) {
	shares, err := tx.ListShares(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}

	var tradable []string
	for i := range shares {
		s := shares[i]
		if !e.tradable(s) {
			continue
		}
		tradable = append(tradable, s.Name)

		buy, err := book.PendingVolumeTx(ctx, tx, s.Name, model.SideBuy)
		if err != nil {
			return nil, err
		}
		sell, err := book.PendingVolumeTx(ctx, tx, s.Name, model.SideSell)
		if err != nil {
			return nil, err
		}

		newPrice := ComputeNewPrice(s.Price, buy, sell)
		slog.Debug("reprice", "share", s.Name, "buy", buy, "sell", sell,
			"old", s.Price, "new", newPrice)

		s.Price = newPrice
		if err := tx.PutShare(ctx, &s); err != nil {
			return nil, fmt.Errorf("write price for %s: %w", s.Name, err)
		}
	}
	return tradable, nil
}

// noiseStep perturbs one randomly chosen tradable share every noiseEvery
// ticks, modelling exogenous market noise independent of order pressure.
// With no tradable shares the step is a no-op.
func (e *Engine) noiseStep(ctx context.Context, tx store.Tx, tradable []string) error {
	e.ticksSinceNoise++
	if e.ticksSinceNoise < e.noiseEvery {
		return nil
	}
	e.ticksSinceNoise = 0

	if len(tradable) == 0 {
		return nil
	}

	name := tradable[e.rng.Intn(len(tradable))]
	s, err := tx.GetShare(ctx, name)
	if err != nil {
		return fmt.Errorf("read %s for noise step: %w", name, err)
	}

	r := e.rng.Intn(6) - 3 // uniform in [-3, 3)
	newPrice := ComputeNoisePrice(s.Price, r)
	slog.Debug("noise step", "share", name, "r", r, "old", s.Price, "new", newPrice)

	s.Price = newPrice
	if err := tx.PutShare(ctx, s); err != nil {
		return fmt.Errorf("write noise price for %s: %w", name, err)
	}
	return nil
}

// ComputeNewPrice derives a share's next price from its pending volumes:
//
//	denom     = max(1, buy+sell)
//	imbalance = (buy-sell) / denom
//	factor    = 1 + imbalance/16
//	newPrice  = max(1, price * factor)
//
// Zero pending volume on both sides yields the input price unchanged.
// The floor at 1 keeps prices strictly positive, a precondition for all
// downstream ratio math.
func ComputeNewPrice(price decimal.Decimal, buy, sell int64) decimal.Decimal {
	denom := buy + sell
	if denom < 1 {
		denom = 1
	}
	imbalance := decimal.NewFromInt(buy - sell).Div(decimal.NewFromInt(denom))
	factor := one.Add(imbalance.Div(decimal.NewFromInt(imbalanceDivisor)))
	return floorAtOne(price.Mul(factor))
}

// ComputeNoisePrice applies the stochastic perturbation 1 + r/100 for an
// integer r, floored at 1.
func ComputeNoisePrice(price decimal.Decimal, r int) decimal.Decimal {
	factor := one.Add(decimal.NewFromInt(int64(r)).Div(oneHundred))
	return floorAtOne(price.Mul(factor))
}

func floorAtOne(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(one) {
		return one
	}
	return price
}
