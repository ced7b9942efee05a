// Package fee holds the withdrawal fee schedule and the fee/net split arithmetic.
// Rates are integer basis points so every split is exact and deterministic.
package fee

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/shopspring/decimal"
)

// MaxRateBps is 100% expressed in basis points.
const MaxRateBps uint32 = 10_000

// ErrInvalidRate is returned for rates outside [0, MaxRateBps].
var ErrInvalidRate = errors.New("invalid fee rate")

// Schedule is the single fee-rate cell. Version increases by one on every change.
type Schedule struct {
	RateBps   uint32
	Version   uint64
	UpdatedAt time.Time
}

// Quote is the outcome of applying a schedule to a gross amount.
type Quote struct {
	Gross   uint64
	Fee     uint64
	Net     uint64
	RateBps uint32
}

// ValidateRate rejects rates above MaxRateBps.
func ValidateRate(rateBps uint32) error {
	if rateBps > MaxRateBps {
		return fmt.Errorf("%w: %d bps exceeds %d", ErrInvalidRate, rateBps, MaxRateBps)
	}
	return nil
}

// Split returns floor(gross*rate/10000) and the remainder. The product is taken in
// 128 bits so the full uint64 range is safe. Rates above MaxRateBps are clamped.
func Split(gross uint64, rateBps uint32) (fee, net uint64) {
	if rateBps > MaxRateBps {
		rateBps = MaxRateBps
	}
	hi, lo := bits.Mul64(gross, uint64(rateBps))
	fee, _ = bits.Div64(hi, lo, uint64(MaxRateBps))
	return fee, gross - fee
}

// Quote applies the schedule's current rate to gross.
func (s Schedule) Quote(gross uint64) Quote {
	f, n := Split(gross, s.RateBps)
	return Quote{Gross: gross, Fee: f, Net: n, RateBps: s.RateBps}
}

// Percent renders the rate as a percentage, e.g. 10 bps is 0.1.
func (s Schedule) Percent() decimal.Decimal {
	return decimal.New(int64(s.RateBps), -2)
}
