package subscription

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// Refund returns the unused share of amount for a term running from start to
// end, cancelled at now. Partial days count as whole days on both sides and
// the result is floored to places decimal digits.
func Refund(amount decimal.Decimal, start, end, now time.Time, places int32) decimal.Decimal {
	total := ceilDays(end.Sub(start))
	if total <= 0 || !amount.IsPositive() {
		return decimal.Zero
	}

	remaining := ceilDays(end.Sub(now))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}

	return amount.
		Mul(decimal.NewFromInt(remaining)).
		Div(decimal.NewFromInt(total)).
		RoundFloor(places)
}

func ceilDays(d time.Duration) int64 {
	return int64(math.Ceil(float64(d) / float64(day)))
}
