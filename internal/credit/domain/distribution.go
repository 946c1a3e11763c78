package domain

import "math"

// Distribution is the result of splitting a payment between company revenue
// and per-model credit grants.
type Distribution struct {
	CompanyRevenue float64
	APIShare       float64
	Credits        map[Model]int64
}

// Distribute converts a payment amount into per-model credits. Each model's
// share of the API portion is weighted by its unit cost relative to the
// table total, then floored to whole credits; the rounding remainder is
// never granted. The function is deterministic and performs no I/O.
func Distribute(amount float64, costs CostTable, companyShare float64) (Distribution, error) {
	if amount <= 0 {
		return Distribution{}, ErrInvalidAmount
	}
	if companyShare <= 0 || companyShare >= 1 {
		return Distribution{}, ErrDistributionConfig
	}

	if len(costs) == 0 {
		return Distribution{
			CompanyRevenue: amount,
			Credits:        map[Model]int64{},
		}, nil
	}

	totalCost := costs.TotalCost()
	if totalCost <= 0 {
		return Distribution{}, ErrDistributionConfig
	}

	apiShare := amount * (1 - companyShare)
	credits := make(map[Model]int64, len(costs))
	for _, model := range costs.Models() {
		cost := costs[model]
		if cost <= 0 {
			return Distribution{}, ErrDistributionConfig
		}
		weight := cost / totalCost
		credits[model] = int64(math.Floor(apiShare * weight / cost))
	}

	return Distribution{
		CompanyRevenue: amount * companyShare,
		APIShare:       apiShare,
		Credits:        credits,
	}, nil
}
