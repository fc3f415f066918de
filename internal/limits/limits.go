// Package limits enforces per-investor open-order volume limits. An
// investor with large pending volume concentrated in one share, or spread
// across the whole market, is refused further orders until some of it
// fills or is cancelled.
package limits

import "errors"

var (
	// ErrPerShareLimitExceeded is returned when an order would push the
	// investor's open volume in a single share beyond the per-share maximum.
	ErrPerShareLimitExceeded = errors.New("limits: per-share open volume limit exceeded")

	// ErrTotalLimitExceeded is returned when an order would push the
	// investor's aggregate open volume across all shares beyond the
	// total maximum.
	ErrTotalLimitExceeded = errors.New("limits: total open volume limit exceeded")
)

// OrderLimiter enforces open-volume limits. Volumes are share counts,
// both sides counted alike: an investor buying and selling the same
// share still ties up matching capacity on both books.
type OrderLimiter struct {
	// MaxPerShare is the maximum open volume for one investor in any
	// single share.
	MaxPerShare int64

	// MaxTotal is the maximum aggregate open volume for one investor
	// across all shares.
	MaxTotal int64
}

// NewOrderLimiter creates a limiter with the given per-share and total
// open-volume limits.
func NewOrderLimiter(maxPerShare, maxTotal int64) *OrderLimiter {
	return &OrderLimiter{
		MaxPerShare: maxPerShare,
		MaxTotal:    maxTotal,
	}
}

// Check validates whether placing quantity more open shares in shareName
// respects the limits, given the investor's existing open volume per
// share. Returns nil if within limits.
func (l *OrderLimiter) Check(shareName string, quantity int64, existing map[string]int64) error {
	newInShare := existing[shareName] + quantity
	if newInShare > l.MaxPerShare {
		return ErrPerShareLimitExceeded
	}

	total := newInShare
	for name, vol := range existing {
		if name == shareName {
			continue // already counted via newInShare above
		}
		total += vol
	}
	if total > l.MaxTotal {
		return ErrTotalLimitExceeded
	}

	return nil
}
