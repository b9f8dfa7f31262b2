package hub

import (
	"fmt"
	"slices"
	"strings"
)

// Policy names accepted by ParsePolicy.
const (
	PolicyNameWeightedPriority = "weighted_priority"
	PolicyNameLeastLoad        = "least_load"
)

// Policy orders discovered candidates for dispatch. Candidates arrive
// sorted by identifier; a policy must keep ordering deterministic so equal
// candidates tie-break on identifier.
type Policy interface {
	Name() string
	Order(candidates []SpokeInstance) []SpokeInstance
}

// ParsePolicy resolves a policy by name.
func ParsePolicy(name string) (Policy, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "", PolicyNameWeightedPriority:
		return WeightedPriorityPolicy{}, nil
	case PolicyNameLeastLoad:
		return LeastLoadPolicy{}, nil
	default:
		return nil, fmt.Errorf("hub: unknown distribution policy %q", name)
	}
}

// WeightedPriorityPolicy orders candidates by in-flight load relative to
// declared weight, so a weight-200 instance absorbs twice the load of a
// weight-100 peer before losing priority. At equal relative load the
// heavier instance wins, then identifier.
type WeightedPriorityPolicy struct{}

func (WeightedPriorityPolicy) Name() string { return PolicyNameWeightedPriority }

func (WeightedPriorityPolicy) Order(candidates []SpokeInstance) []SpokeInstance {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b SpokeInstance) int {
		// Compare load/weight without division: a.load*b.weight vs b.load*a.weight.
		la := int64(a.CurrentLoad) * int64(weightOf(b))
		lb := int64(b.CurrentLoad) * int64(weightOf(a))
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
		if a.Weight != b.Weight {
			if a.Weight > b.Weight {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func weightOf(inst SpokeInstance) int {
	if inst.Weight <= 0 {
		return DefaultWeight
	}
	return inst.Weight
}

// LeastLoadPolicy prefers the instance with the fewest in-flight
// invocations, tie-breaking on identifier.
type LeastLoadPolicy struct{}

func (LeastLoadPolicy) Name() string { return PolicyNameLeastLoad }

func (LeastLoadPolicy) Order(candidates []SpokeInstance) []SpokeInstance {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b SpokeInstance) int {
		if a.CurrentLoad != b.CurrentLoad {
			if a.CurrentLoad < b.CurrentLoad {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
