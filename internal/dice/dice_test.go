package dice

import (
	"errors"
	"testing"
)

func TestParseNotation(t *testing.T) {
	specs, err := Parse("2d6, d20")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Sides != 6 || specs[0].Count != 2 {
		t.Fatalf("expected 2d6, got %+v", specs[0])
	}
	if specs[1].Sides != 20 || specs[1].Count != 1 {
		t.Fatalf("expected 1d20, got %+v", specs[1])
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, notation := range []string{"", "banana", "0d6", "2d0", "-1d6"} {
		if _, err := Parse(notation); err == nil {
			t.Fatalf("expected error for %q", notation)
		}
	}
}

func TestParseRejectsOversizedRequests(t *testing.T) {
	for _, notation := range []string{"999999999d6", "101d6", "2d99999", "2d1001"} {
		if _, err := Parse(notation); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("expected ErrInvalidSpec for %q, got %v", notation, err)
		}
	}
	// The caps themselves are allowed.
	if _, err := Parse("100d1000"); err != nil {
		t.Fatalf("cap-sized roll rejected: %v", err)
	}
}

func TestRollDeterministicWithSeed(t *testing.T) {
	specs := []Spec{{Sides: 6, Count: 2}, {Sides: 20, Count: 1}}

	first, err := Roll(specs, 42)
	if err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	second, err := Roll(specs, 42)
	if err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	if len(first.Rolls) != 3 {
		t.Fatalf("expected 3 dice rolled, got %d", len(first.Rolls))
	}
	for i := range first.Rolls {
		if first.Rolls[i] != second.Rolls[i] {
			t.Fatalf("seeded rolls differ at %d: %+v vs %+v", i, first.Rolls[i], second.Rolls[i])
		}
	}
	if first.Total != second.Total {
		t.Fatalf("seeded totals differ: %d vs %d", first.Total, second.Total)
	}
}

func TestRollTotalsAndBounds(t *testing.T) {
	result, err := Roll([]Spec{{Sides: 4, Count: 100}}, 7)
	if err != nil {
		t.Fatalf("roll failed: %v", err)
	}
	sum := 0
	for _, r := range result.Rolls {
		if r.Value < 1 || r.Value > 4 {
			t.Fatalf("d4 rolled %d", r.Value)
		}
		if r.Die != "d4" {
			t.Fatalf("expected die label d4, got %q", r.Die)
		}
		sum += r.Value
	}
	if sum != result.Total {
		t.Fatalf("total mismatch: %d vs %d", sum, result.Total)
	}
}

func TestRollRejectsEmpty(t *testing.T) {
	if _, err := Roll(nil, 1); !errors.Is(err, ErrMissingDice) {
		t.Fatalf("expected ErrMissingDice, got %v", err)
	}
}
