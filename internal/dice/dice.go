// Package dice implements dice-notation parsing and rolling for the
// tabletop's roll log.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/dndsync/dndsync/internal/model/session"
)

// ErrMissingDice indicates a roll request had no dice specified.
var ErrMissingDice = errors.New("at least one die must be provided")

// ErrInvalidSpec indicates a die specification has invalid fields.
var ErrInvalidSpec = errors.New("dice must have positive sides and count")

// Caps on a single request; anything larger is a typo or abuse, not a
// tabletop roll.
const (
	MaxCount = 100
	MaxSides = 1000
)

// ErrInvalidNotation indicates a dice string could not be parsed.
var ErrInvalidNotation = errors.New("invalid dice notation")

// Spec describes a die to roll and how many times to roll it.
type Spec struct {
	Sides int
	Count int
}

// Result captures the rolls and grand total for one request.
type Result struct {
	Rolls []session.DieResult
	Total int
}

// Parse reads comma-separated dice notation such as "2d6, d20". A
// missing count means one die.
func Parse(notation string) ([]Spec, error) {
	parts := strings.Split(notation, ",")
	specs := make([]Spec, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		countStr, sidesStr, ok := strings.Cut(part, "d")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, part)
		}
		count := 1
		if countStr != "" {
			n, err := strconv.Atoi(countStr)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, part)
			}
			count = n
		}
		sides, err := strconv.Atoi(sidesStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, part)
		}
		if sides <= 0 || count <= 0 || sides > MaxSides || count > MaxCount {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSpec, part)
		}
		specs = append(specs, Spec{Sides: sides, Count: count})
	}
	if len(specs) == 0 {
		return nil, ErrMissingDice
	}
	return specs, nil
}

// Roll rolls the given specs. A non-zero seed makes the result
// deterministic; zero seeds from the wall clock. Specs are rolled in
// slice order and results appear in the same order.
func Roll(specs []Spec, seed int64) (Result, error) {
	if len(specs) == 0 {
		return Result{}, ErrMissingDice
	}
	for _, spec := range specs {
		if spec.Sides <= 0 || spec.Count <= 0 || spec.Sides > MaxSides || spec.Count > MaxCount {
			return Result{}, ErrInvalidSpec
		}
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var result Result
	for _, spec := range specs {
		die := "d" + strconv.Itoa(spec.Sides)
		for i := 0; i < spec.Count; i++ {
			value := rng.Intn(spec.Sides) + 1
			result.Rolls = append(result.Rolls, session.DieResult{Die: die, Value: value})
			result.Total += value
		}
	}
	return result, nil
}
