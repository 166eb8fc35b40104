package entitlements

import (
	"math"
	"strings"

	"github.com/omnitool-app/omnitool/app/models"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanMax  Plan = "max"
)

// Pricing describes one plan's price points and credit allotments.
type Pricing struct {
	MonthlyPrice   float64
	YearlyPrice    float64
	MonthlyCredits int64
	YearlyCredits  int64
}

// catalog is the plan price/credit table. Prices are USD; the CN region
// charges the same numeric amounts in CNY through the wallet/QR providers.
var catalog = map[Plan]Pricing{
	PlanPro: {
		MonthlyPrice:   19.99,
		YearlyPrice:    199.99,
		MonthlyCredits: 500,
		YearlyCredits:  6000,
	},
	PlanMax: {
		MonthlyPrice:   49.99,
		YearlyPrice:    499.99,
		MonthlyCredits: 2000,
		YearlyCredits:  24000,
	},
}

// NormalizePlan collapses unknown plan ids to free.
func NormalizePlan(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanPro):
		return PlanPro
	case string(PlanMax):
		return PlanMax
	default:
		return PlanFree
	}
}

// PlanRank orders plans for projection purposes.
func PlanRank(plan Plan) int {
	switch plan {
	case PlanMax:
		return 2
	case PlanPro:
		return 1
	default:
		return 0
	}
}

// PricingFor returns the catalog entry for a paid plan.
func PricingFor(plan Plan) (Pricing, bool) {
	p, ok := catalog[plan]
	return p, ok
}

// DurationDays maps a billing cycle to an entitlement duration.
func DurationDays(cycle string) int {
	switch cycle {
	case models.CycleYearly:
		return 365
	default:
		return 30
	}
}

// CreditsFor returns the credit allotment for a plan and cycle.
func CreditsFor(plan Plan, cycle string) int64 {
	p, ok := catalog[plan]
	if !ok {
		return 0
	}
	if cycle == models.CycleYearly {
		return p.YearlyCredits
	}
	return p.MonthlyCredits
}

// PlanForAmount is the last-resort fallback when neither the provider
// response nor the pending payment record carries plan information: it
// matches the paid amount against the catalog within a small tolerance.
func PlanForAmount(amount float64) (Plan, string, bool) {
	const tolerance = 0.01
	for plan, p := range catalog {
		if math.Abs(amount-p.MonthlyPrice) < tolerance {
			return plan, models.CycleMonthly, true
		}
		if math.Abs(amount-p.YearlyPrice) < tolerance {
			return plan, models.CycleYearly, true
		}
	}
	return PlanFree, models.CycleUnknown, false
}
