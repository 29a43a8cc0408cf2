package models

import (
	"errors"
	"time"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a named tier defining validity duration and price.
type Plan struct {
	ID         string
	Name       string
	Duration   time.Duration
	PriceStars int
	PriceRub   int
}

// Payment method provenance tags. Informational only; admin_gift records no
// transaction and adds no spend.
const (
	PaymentMethodStars     = "stars"
	PaymentMethodSBP       = "sbp"
	PaymentMethodAdminGift = "admin_gift"
)

var plans = map[string]Plan{
	"1month": {
		ID:         "1month",
		Name:       "1 month",
		Duration:   30 * 24 * time.Hour,
		PriceStars: 50,
		PriceRub:   299,
	},
	"3months": {
		ID:         "3months",
		Name:       "3 months",
		Duration:   90 * 24 * time.Hour,
		PriceStars: 120,
		PriceRub:   699,
	},
	"lifetime": {
		ID:         "lifetime",
		Name:       "Lifetime",
		Duration:   36500 * 24 * time.Hour,
		PriceStars: 250,
		PriceRub:   1499,
	},
}

// PlanByID looks up a plan tier. Returns ErrUnknownPlan for unrecognized IDs.
func PlanByID(id string) (Plan, error) {
	plan, ok := plans[id]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// Plans returns the full plan catalog.
func Plans() []Plan {
	result := make([]Plan, 0, len(plans))
	for _, id := range []string{"1month", "3months", "lifetime"} {
		result = append(result, plans[id])
	}
	return result
}

// Price returns the amount charged for the plan under the given payment
// method. Gifted keys cost nothing.
func (p Plan) Price(method string) int {
	switch method {
	case PaymentMethodStars:
		return p.PriceStars
	case PaymentMethodSBP:
		return p.PriceRub
	default:
		return 0
	}
}
