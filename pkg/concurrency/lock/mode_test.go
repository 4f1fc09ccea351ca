package lock

import "testing"

func TestCompatibilityMatrix(t *testing.T) {
	modes := []Mode{IntentionShared, IntentionExclusive, Shared, SharedIntentionExclusive, Exclusive}

	// Row-major truth table in mode order IS, IX, S, SIX, X.
	want := [5][5]bool{
		{true, true, true, true, false},
		{true, true, false, false, false},
		{true, false, true, false, false},
		{true, false, false, false, false},
		{false, false, false, false, false},
	}

	for i, held := range modes {
		for j, req := range modes {
			if got := Compatible(held, req); got != want[i][j] {
				t.Errorf("Compatible(%v, %v) = %v, want %v", held, req, got, want[i][j])
			}
		}
	}

	// The matrix is symmetric.
	for _, a := range modes {
		for _, b := range modes {
			if Compatible(a, b) != Compatible(b, a) {
				t.Errorf("matrix asymmetric at (%v, %v)", a, b)
			}
		}
	}
}

func TestUpgradeLattice(t *testing.T) {
	allowed := map[Mode][]Mode{
		IntentionShared:          {Shared, Exclusive, IntentionExclusive, SharedIntentionExclusive},
		Shared:                   {Exclusive, SharedIntentionExclusive},
		IntentionExclusive:       {Exclusive, SharedIntentionExclusive},
		SharedIntentionExclusive: {Exclusive},
		Exclusive:                {},
	}

	modes := []Mode{IntentionShared, IntentionExclusive, Shared, SharedIntentionExclusive, Exclusive}
	for _, held := range modes {
		permitted := map[Mode]bool{}
		for _, m := range allowed[held] {
			permitted[m] = true
		}
		for _, req := range modes {
			if got := CanUpgrade(held, req); got != permitted[req] {
				t.Errorf("CanUpgrade(%v, %v) = %v, want %v", held, req, got, permitted[req])
			}
		}
	}
}
