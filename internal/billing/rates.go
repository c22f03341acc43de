// Package billing is the single rate table for the platform. It converts raw
// resource usage into credits and credits into dollars, and prorates storage
// snapshots for daily metered reporting.
//
// Every other package that prices usage (quotes, invoice previews, the usage
// reporter, spending alerts) must call into this package. Multipliers are never
// duplicated elsewhere.
package billing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Credit multipliers per unit of usage.
var (
	CPUCreditsPerHour   = decimal.NewFromInt(1)
	GPUCreditsPerHour   = decimal.NewFromInt(10)
	RAMCreditsPerGBHour = decimal.RequireFromString("0.1")
)

// Dollar prices that are not expressed in credits.
var (
	DefaultCreditUnitPrice      = decimal.RequireFromString("0.35")
	OnlineStoragePerGBMonth     = decimal.RequireFromString("0.50")
	OfflineStoragePerGBMonth    = decimal.RequireFromString("0.03")
	NetworkEgressPerGB          = decimal.RequireFromString("0.14")
	defaultMaxCreditUnitPrice   = decimal.NewFromInt(100)
	storageProrationDaysDecimal = decimal.NewFromInt(StorageProrationDays)
)

// StorageProrationDays is the divisor applied to a storage snapshot before it is
// reported once per day. The billing provider sums daily reports over the period,
// so the reported value must be a fraction of a GB-month.
const StorageProrationDays = 30

// ComputeUsage is a raw compute reading. Zero fields mean "not used".
type ComputeUsage struct {
	CPUHours   float64 `json:"cpu_hours"`
	GPUHours   float64 `json:"gpu_hours"`
	RAMGBHours float64 `json:"ram_gb_hours"`
}

// DailyUsage is one aggregated day of usage for a single user.
type DailyUsage struct {
	ComputeUsage
	OnlineStorageGB  float64 `json:"online_storage_gb"`
	OfflineStorageGB float64 `json:"offline_storage_gb"`
	NetworkEgressGB  float64 `json:"network_egress_gb"`
}

// CostBreakdown is the priced form of a DailyUsage.
type CostBreakdown struct {
	Credits        decimal.Decimal `json:"credits"`
	Compute        decimal.Decimal `json:"compute"`
	OnlineStorage  decimal.Decimal `json:"online_storage"`
	OfflineStorage decimal.Decimal `json:"offline_storage"`
	NetworkEgress  decimal.Decimal `json:"network_egress"`
	Total          decimal.Decimal `json:"total"`
}

// Rates carries the configurable part of the price list.
type Rates struct {
	CreditUnitPrice decimal.Decimal
}

// DefaultRates returns the standard price list.
func DefaultRates() Rates {
	return Rates{CreditUnitPrice: DefaultCreditUnitPrice}
}

// NewRates builds a price list with a custom credit unit price.
// A zero price falls back to the default.
func NewRates(creditUnitPrice float64) (Rates, error) {
	if creditUnitPrice == 0 {
		return DefaultRates(), nil
	}
	if math.IsNaN(creditUnitPrice) || math.IsInf(creditUnitPrice, 0) || creditUnitPrice < 0 {
		return Rates{}, fmt.Errorf("invalid credit unit price: %v", creditUnitPrice)
	}
	price := decimal.NewFromFloat(creditUnitPrice)
	if price.GreaterThan(defaultMaxCreditUnitPrice) {
		return Rates{}, fmt.Errorf("credit unit price %s exceeds %s", price, defaultMaxCreditUnitPrice)
	}
	return Rates{CreditUnitPrice: price}, nil
}

// quantity converts a reading into a decimal, mapping negative and non-finite
// values to zero so a corrupt reading can never produce a negative charge.
func quantity(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// CreditsUsed returns cpuHours*1 + gpuHours*10 + ramGbHours*0.1.
func CreditsUsed(u ComputeUsage) decimal.Decimal {
	return quantity(u.CPUHours).Mul(CPUCreditsPerHour).
		Add(quantity(u.GPUHours).Mul(GPUCreditsPerHour)).
		Add(quantity(u.RAMGBHours).Mul(RAMCreditsPerGBHour))
}

// DollarAmount converts credits to dollars with the default unit price.
func DollarAmount(credits decimal.Decimal) decimal.Decimal {
	return DefaultRates().DollarAmount(credits)
}

// DollarAmount converts credits to dollars. No rounding is applied here; callers
// round at display or invoice boundaries only.
func (r Rates) DollarAmount(credits decimal.Decimal) decimal.Decimal {
	return credits.Mul(r.CreditUnitPrice)
}

// ProrateStorage turns a "GB stored right now" snapshot into the per-day value
// reported to the metered billing provider.
func ProrateStorage(snapshotGB float64) decimal.Decimal {
	return quantity(snapshotGB).Div(storageProrationDaysDecimal)
}

// DailyCost prices one day of usage.
func (r Rates) DailyCost(u DailyUsage) CostBreakdown {
	credits := CreditsUsed(u.ComputeUsage)
	b := CostBreakdown{
		Credits:        credits,
		Compute:        r.DollarAmount(credits),
		OnlineStorage:  ProrateStorage(u.OnlineStorageGB).Mul(OnlineStoragePerGBMonth),
		OfflineStorage: ProrateStorage(u.OfflineStorageGB).Mul(OfflineStoragePerGBMonth),
		NetworkEgress:  quantity(u.NetworkEgressGB).Mul(NetworkEgressPerGB),
	}
	b.Total = b.Compute.Add(b.OnlineStorage).Add(b.OfflineStorage).Add(b.NetworkEgress)
	return b
}

// Sum adds a set of breakdowns together.
func Sum(items []CostBreakdown) CostBreakdown {
	total := CostBreakdown{
		Credits:        decimal.Zero,
		Compute:        decimal.Zero,
		OnlineStorage:  decimal.Zero,
		OfflineStorage: decimal.Zero,
		NetworkEgress:  decimal.Zero,
		Total:          decimal.Zero,
	}
	for _, b := range items {
		total.Credits = total.Credits.Add(b.Credits)
		total.Compute = total.Compute.Add(b.Compute)
		total.OnlineStorage = total.OnlineStorage.Add(b.OnlineStorage)
		total.OfflineStorage = total.OfflineStorage.Add(b.OfflineStorage)
		total.NetworkEgress = total.NetworkEgress.Add(b.NetworkEgress)
		total.Total = total.Total.Add(b.Total)
	}
	return total
}

// RoundCents rounds a dollar amount for display or invoicing.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
