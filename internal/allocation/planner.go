// Package allocation implements the Allocation Planner of spec §4.3: a
// deterministic lot-split across accounts under a named policy. Pure,
// side-effect-free functions so the invariants in spec §8 (Σlots=L, all
// lots≥0, deterministic order) are trivial to property-test.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// Plan builds a deterministic Allocation for total lots L across the given
// mappings, applying the four ordered rules of spec §4.3. Mappings must
// already be in stable mapping order (e.g. creation order); Plan does not
// re-sort them.
func Plan(mappings []types.GroupAccountMapping, totalLots int) (types.Allocation, error) {
	if len(mappings) == 0 {
		return types.Allocation{}, rmscore.New(rmscore.KindValidation, rmscore.CodeNoEligibleAccounts,
			"execution group has no account mappings")
	}
	if totalLots <= 0 {
		return types.Allocation{}, rmscore.New(rmscore.KindValidation, rmscore.CodeAllocationInvalid,
			"total_lots must be positive")
	}

	legs := make([]types.AllocationLeg, len(mappings))
	for i, m := range mappings {
		legs[i] = types.AllocationLeg{AccountID: m.AccountID, Policy: m.Policy, Weight: m.Weight, FixedLots: m.FixedLots}
	}

	// Rule 1: fixed accounts first, satisfied in mapping order until L is
	// exhausted; remaining fixed accounts get 0.
	remaining := totalLots
	for i := range legs {
		if legs[i].Policy != types.PolicyFixed {
			continue
		}
		take := legs[i].FixedLots
		if take > remaining {
			take = remaining
		}
		legs[i].Lots = take
		remaining -= take
	}

	// Rule 2: weighted split of the remainder. Proportional accounts act as
	// weight=1 within the weighted pool if any weighted accounts exist;
	// otherwise they split the remainder evenly.
	type poolEntry struct {
		index  int
		weight decimal.Decimal
	}
	var pool []poolEntry
	hasWeighted := false
	for _, l := range legs {
		if l.Policy == types.PolicyWeighted {
			hasWeighted = true
			break
		}
	}
	for i, l := range legs {
		switch l.Policy {
		case types.PolicyWeighted:
			pool = append(pool, poolEntry{i, l.Weight})
		case types.PolicyProportional:
			pool = append(pool, poolEntry{i, decimal.NewFromInt(1)})
		}
	}

	totalWeight := decimal.Zero
	for _, p := range pool {
		totalWeight = totalWeight.Add(p.weight)
	}

	type remainderEntry struct {
		index     int
		fraction  decimal.Decimal
	}
	var remainders []remainderEntry

	if len(pool) > 0 && remaining > 0 {
		R := decimal.NewFromInt(int64(remaining))
		assigned := 0
		for _, p := range pool {
			var exact decimal.Decimal
			if hasWeighted {
				exact = R.Mul(p.weight).Div(totalWeight)
			} else {
				exact = R.Div(decimal.NewFromInt(int64(len(pool))))
			}
			floor := exact.Floor()
			legs[p.index].Lots = int(floor.IntPart())
			assigned += legs[p.index].Lots
			remainders = append(remainders, remainderEntry{p.index, exact.Sub(floor)})
		}

		// Rule 3: distribute leftover lots one at a time to the pool in
		// descending fractional remainder, ties broken by mapping order.
		leftover := remaining - assigned
		sort.SliceStable(remainders, func(i, j int) bool {
			if remainders[i].fraction.Equal(remainders[j].fraction) {
				return remainders[i].index < remainders[j].index
			}
			return remainders[i].fraction.GreaterThan(remainders[j].fraction)
		})
		for i := 0; i < leftover && i < len(remainders); i++ {
			legs[remainders[i].index].Lots++
		}
	}

	// Rule 4: drop zero-lot legs from the dispatched allocation but retain
	// them in Trace for observability.
	trace := make([]types.AllocationLeg, len(legs))
	copy(trace, legs)

	dispatched := legs[:0]
	for _, l := range legs {
		if l.Lots > 0 {
			dispatched = append(dispatched, l)
		}
	}

	total := 0
	for _, l := range dispatched {
		total += l.Lots
	}
	if total != totalLots {
		return types.Allocation{}, rmscore.New(rmscore.KindInternal, rmscore.CodeAllocationInvalid,
			"allocation does not sum to total_lots").WithDetails(map[string]any{"expected": totalLots, "got": total})
	}

	return types.Allocation{Legs: dispatched, Trace: trace}, nil
}
