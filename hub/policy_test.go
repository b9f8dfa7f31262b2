package hub

import "testing"

func candidate(id string, weight, load int) SpokeInstance {
	return SpokeInstance{ID: id, Weight: weight, CurrentLoad: load}
}

func TestWeightedPriorityPrefersHeaviestAtEqualLoad(t *testing.T) {
	candidates := []SpokeInstance{
		candidate("a", 300, 2),
		candidate("b", 100, 2),
		candidate("c", 100, 2),
	}

	for i := 0; i < 10; i++ {
		ordered := WeightedPriorityPolicy{}.Order(candidates)
		if ordered[0].ID != "a" {
			t.Fatalf("Order()[0].ID = %q, want %q", ordered[0].ID, "a")
		}
	}
}

func TestWeightedPriorityEqualWeightTieBreaksOnLoad(t *testing.T) {
	candidates := []SpokeInstance{
		candidate("b", 100, 3),
		candidate("c", 100, 1),
	}

	ordered := WeightedPriorityPolicy{}.Order(candidates)
	if ordered[0].ID != "c" {
		t.Fatalf("Order()[0].ID = %q, want %q (lower load)", ordered[0].ID, "c")
	}
}

func TestWeightedPrioritySelectionScenario(t *testing.T) {
	// A weight 100, B weight 200, both idle: B absorbs traffic first.
	a := candidate("a", 100, 0)
	b := candidate("b", 200, 0)

	ordered := WeightedPriorityPolicy{}.Order([]SpokeInstance{a, b})
	if ordered[0].ID != "b" {
		t.Fatalf("Order()[0].ID with both idle = %q, want %q", ordered[0].ID, "b")
	}

	// B held at load 5 while A drained to 0: A takes the next invocation.
	b.CurrentLoad = 5
	ordered = WeightedPriorityPolicy{}.Order([]SpokeInstance{a, b})
	if ordered[0].ID != "a" {
		t.Fatalf("Order()[0].ID with loaded b = %q, want %q", ordered[0].ID, "a")
	}
}

func TestWeightedPriorityDeterministicIdentifierTieBreak(t *testing.T) {
	candidates := []SpokeInstance{
		candidate("z", 100, 1),
		candidate("m", 100, 1),
		candidate("a", 100, 1),
	}

	ordered := WeightedPriorityPolicy{}.Order(candidates)
	if ordered[0].ID != "a" || ordered[1].ID != "m" || ordered[2].ID != "z" {
		t.Fatalf("Order() = [%s %s %s], want identifier order", ordered[0].ID, ordered[1].ID, ordered[2].ID)
	}
}

func TestLeastLoadPicksMinimumLoad(t *testing.T) {
	candidates := []SpokeInstance{
		candidate("a", 500, 4),
		candidate("b", 100, 1),
		candidate("c", 100, 1),
	}

	ordered := LeastLoadPolicy{}.Order(candidates)
	if ordered[0].ID != "b" {
		t.Fatalf("Order()[0].ID = %q, want %q", ordered[0].ID, "b")
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantName string
		wantErr  bool
	}{
		{name: "default", input: "", wantName: PolicyNameWeightedPriority},
		{name: "weighted", input: "weighted_priority", wantName: PolicyNameWeightedPriority},
		{name: "least load", input: "LEAST_LOAD", wantName: PolicyNameLeastLoad},
		{name: "unknown", input: "round_robin", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy, err := ParsePolicy(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParsePolicy(%q) error = nil, want error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePolicy(%q) error = %v", tc.input, err)
			}
			if policy.Name() != tc.wantName {
				t.Fatalf("ParsePolicy(%q).Name() = %q, want %q", tc.input, policy.Name(), tc.wantName)
			}
		})
	}
}
