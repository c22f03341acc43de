package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SpendingThresholds are the percentages of a spending cap that trigger an alert.
var SpendingThresholds = []int{50, 80, 90, 100}

// MaxSpendingCap bounds what an owner may configure.
var MaxSpendingCap = decimal.NewFromInt(1_000_000)

var hundred = decimal.NewFromInt(100)

// PercentOfCap returns spent as a percentage of limit. A non-positive limit yields zero.
func PercentOfCap(spent, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return spent.Div(limit).Mul(hundred)
}

// CrossedThresholds returns the thresholds reached by spent that are not in
// alreadySent, in ascending order.
func CrossedThresholds(spent, limit decimal.Decimal, alreadySent []int) []int {
	if !limit.IsPositive() {
		return nil
	}
	sent := make(map[int]bool, len(alreadySent))
	for _, t := range alreadySent {
		sent[t] = true
	}

	pct := PercentOfCap(spent, limit)
	var crossed []int
	for _, t := range SpendingThresholds {
		if sent[t] {
			continue
		}
		if pct.GreaterThanOrEqual(decimal.NewFromInt(int64(t))) {
			crossed = append(crossed, t)
		}
	}
	sort.Ints(crossed)
	return crossed
}

// ValidSpendingCap reports whether amount can be stored as a cap.
func ValidSpendingCap(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.LessThan(MaxSpendingCap)
}
