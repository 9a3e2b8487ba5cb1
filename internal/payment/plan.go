package payment

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-kashier/internal/config"
)

// PlanPolicy maps a settled amount onto subscription days.
type PlanPolicy struct {
	CountryCode  string
	Domain       string
	AnnualAmount decimal.Decimal
	AnnualDays   int
	DefaultDays  int
}

// PlanPolicyFromConfig builds the policy from account settings.
func PlanPolicyFromConfig(a config.Account) PlanPolicy {
	return PlanPolicy{
		CountryCode:  a.CountryCode,
		Domain:       a.Domain,
		AnnualAmount: a.AnnualPlanAmount,
		AnnualDays:   a.AnnualPlanDays,
		DefaultDays:  a.DefaultPlanDays,
	}
}

// DaysToAdd returns AnnualDays when amount equals the annual plan price, DefaultDays otherwise.
func (p PlanPolicy) DaysToAdd(amount decimal.Decimal) int {
	if amount.Equal(p.AnnualAmount) {
		return p.AnnualDays
	}
	return p.DefaultDays
}
