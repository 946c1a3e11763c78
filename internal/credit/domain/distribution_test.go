package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCostTable(t *testing.T) CostTable {
	t.Helper()
	table, err := CostTableFromConfig(map[string]float64{
		"gpt-4":         0.03,
		"claude-sonnet": 0.025,
		"claude-heroku": 0.02,
		"deepseek":      0.015,
		"huggingface":   0.01,
		"together-ai":   0.02,
		"ollama":        0.01,
		"deepinfra":     0.015,
	})
	require.NoError(t, err)
	return table
}

func TestDistribute_SplitsCompanyAndAPIShare(t *testing.T) {
	costs := testCostTable(t)

	dist, err := Distribute(29.99, costs, 0.3)
	require.NoError(t, err)

	assert.InDelta(t, 29.99*0.3, dist.CompanyRevenue, 1e-9)
	assert.InDelta(t, 29.99*0.7, dist.APIShare, 1e-9)
	assert.Len(t, dist.Credits, len(costs))
}

func TestDistribute_FlooringNeverOvergrants(t *testing.T) {
	costs := testCostTable(t)
	totalCost := costs.TotalCost()

	for _, amount := range []float64{0.01, 1, 9.99, 29.99, 99.99, 1234.56} {
		dist, err := Distribute(amount, costs, 0.3)
		require.NoError(t, err)

		var spent float64
		for model, credits := range dist.Credits {
			assert.GreaterOrEqual(t, credits, int64(0))
			spent += float64(credits) * costs[model]

			// Per-model spend stays within that model's weighted share.
			weight := costs[model] / totalCost
			assert.LessOrEqual(t, float64(credits)*costs[model], dist.APIShare*weight+1e-9)
		}
		assert.LessOrEqual(t, spent, dist.APIShare+1e-9)
	}
}

func TestDistribute_Deterministic(t *testing.T) {
	costs := testCostTable(t)

	first, err := Distribute(99.99, costs, 0.3)
	require.NoError(t, err)
	second, err := Distribute(99.99, costs, 0.3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDistribute_InvalidInputs(t *testing.T) {
	costs := testCostTable(t)

	_, err := Distribute(0, costs, 0.3)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Distribute(-5, costs, 0.3)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Distribute(10, costs, 0)
	assert.ErrorIs(t, err, ErrDistributionConfig)

	_, err = Distribute(10, costs, 1)
	assert.ErrorIs(t, err, ErrDistributionConfig)
}

func TestDistribute_EmptyTableAllCompanyRevenue(t *testing.T) {
	dist, err := Distribute(10, CostTable{}, 0.3)
	require.NoError(t, err)

	assert.Equal(t, 10.0, dist.CompanyRevenue)
	assert.Empty(t, dist.Credits)
}

func TestCostTableFromConfig_RejectsUnknownModel(t *testing.T) {
	_, err := CostTableFromConfig(map[string]float64{"gpt-9000": 0.5})
	assert.ErrorIs(t, err, ErrDistributionConfig)
}

func TestCostTableFromConfig_RejectsNonPositiveCost(t *testing.T) {
	_, err := CostTableFromConfig(map[string]float64{"gpt-4": 0})
	assert.ErrorIs(t, err, ErrDistributionConfig)
}
