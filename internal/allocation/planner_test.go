package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/exec-core/pkg/types"
)

func mapping(policy types.MappingPolicy, weight int64, fixed int) types.GroupAccountMapping {
	return types.GroupAccountMapping{
		AccountID: types.NewID(),
		Policy:    policy,
		Weight:    decimal.NewFromInt(weight),
		FixedLots: fixed,
	}
}

// TestS1ProportionalSplit is scenario S1 from spec.md §8.
func TestS1ProportionalSplit(t *testing.T) {
	mappings := []types.GroupAccountMapping{
		mapping(types.PolicyProportional, 0, 0),
		mapping(types.PolicyProportional, 0, 0),
		mapping(types.PolicyProportional, 0, 0),
	}
	alloc, err := Plan(mappings, 10)
	require.NoError(t, err)
	require.Len(t, alloc.Legs, 3)
	require.Equal(t, []int{4, 3, 3}, []int{alloc.Legs[0].Lots, alloc.Legs[1].Lots, alloc.Legs[2].Lots})
}

// TestS2WeightedWithFixed is scenario S2 from spec.md §8.
func TestS2WeightedWithFixed(t *testing.T) {
	mappings := []types.GroupAccountMapping{
		mapping(types.PolicyFixed, 0, 2),
		mapping(types.PolicyWeighted, 3, 0),
		mapping(types.PolicyWeighted, 1, 0),
	}
	alloc, err := Plan(mappings, 10)
	require.NoError(t, err)
	require.Len(t, alloc.Legs, 3)
	require.Equal(t, 2, alloc.Legs[0].Lots)
	require.Equal(t, 6, alloc.Legs[1].Lots)
	require.Equal(t, 2, alloc.Legs[2].Lots)

	sum := 0
	for _, l := range alloc.Legs {
		sum += l.Lots
	}
	require.Equal(t, 10, sum)
}

func TestNoEligibleAccountsWhenEmpty(t *testing.T) {
	_, err := Plan(nil, 10)
	require.Error(t, err)
}

func TestZeroLotLegsDroppedButTraced(t *testing.T) {
	mappings := []types.GroupAccountMapping{
		mapping(types.PolicyFixed, 0, 5),
		mapping(types.PolicyFixed, 0, 5),
	}
	alloc, err := Plan(mappings, 5)
	require.NoError(t, err)
	require.Len(t, alloc.Legs, 1)
	require.Len(t, alloc.Trace, 2)
}

func TestSumAlwaysEqualsTotalLots(t *testing.T) {
	scenarios := [][]types.GroupAccountMapping{
		{mapping(types.PolicyProportional, 0, 0), mapping(types.PolicyProportional, 0, 0)},
		{mapping(types.PolicyWeighted, 7, 0), mapping(types.PolicyWeighted, 2, 0), mapping(types.PolicyWeighted, 1, 0)},
		{mapping(types.PolicyFixed, 0, 1), mapping(types.PolicyWeighted, 1, 0), mapping(types.PolicyProportional, 0, 0)},
	}
	for _, mappings := range scenarios {
		for lots := 1; lots <= 23; lots++ {
			alloc, err := Plan(mappings, lots)
			require.NoError(t, err)
			sum := 0
			for _, l := range alloc.Legs {
				require.GreaterOrEqual(t, l.Lots, 0)
				sum += l.Lots
			}
			require.Equal(t, lots, sum)
		}
	}
}
