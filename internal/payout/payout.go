// Package payout defines the pluggable payout calculator contract and a
// total dispatch table keyed by product family.
//
// The engine never hard-codes odds: calculators are supplied by the caller,
// and the reference calculators in standard.go read their multipliers from
// configuration.
package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Family is the closed set of payoff rules. Adding a family means adding a
// constant here and binding it in every Registry.
type Family int

const (
	FamilyBoom Family = iota
	FamilyCrash
	FamilyEvenOdd
	FamilyMatchesDiffers
	FamilyVolatilityRiseFall

	familyCount
)

var familyNames = [familyCount]string{
	FamilyBoom:               "boom",
	FamilyCrash:              "crash",
	FamilyEvenOdd:            "even_odd",
	FamilyMatchesDiffers:     "matches_differs",
	FamilyVolatilityRiseFall: "volatility_rise_fall",
}

// Families returns every family in declaration order.
func Families() []Family {
	out := make([]Family, 0, familyCount)
	for f := Family(0); f < familyCount; f++ {
		out = append(out, f)
	}
	return out
}

// Valid reports whether f is a declared family.
func (f Family) Valid() bool {
	return f >= 0 && f < familyCount
}

func (f Family) String() string {
	if !f.Valid() {
		return fmt.Sprintf("family(%d)", int(f))
	}
	return familyNames[f]
}

// MarshalText renders the family name in JSON.
func (f Family) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, int(f))
	}
	return []byte(familyNames[f]), nil
}

var (
	ErrUnknownFamily     = errors.New("payout: unknown product family")
	ErrUnboundFamily     = errors.New("payout: family has no calculator")
	ErrNegativePayout    = errors.New("payout: calculator returned a negative payout")
	ErrInvalidOption     = errors.New("payout: option type must be call or put")
	ErrInvalidVolatility = errors.New("payout: unsupported volatility tier")
)

// Params carries everything a calculator may use. Calculators must be pure:
// identical Params always yield identical payouts.
type Params struct {
	Family              Family
	Option              string
	Entry               decimal.Decimal
	Exit                decimal.Decimal
	Wager               decimal.Decimal
	Ticks               int
	LastDigitPrediction int
	Volatility          int
}

// Calculator computes a payout for one family.
type Calculator interface {
	Compute(p Params) (decimal.Decimal, error)
}

// CalculatorFunc adapts a plain function to Calculator.
type CalculatorFunc func(p Params) (decimal.Decimal, error)

// Compute calls f(p).
func (f CalculatorFunc) Compute(p Params) (decimal.Decimal, error) {
	return f(p)
}

// Registry dispatches Params to the calculator bound to their family.
type Registry struct {
	calcs [familyCount]Calculator
}

// NewRegistry builds a registry and fails unless every family is bound.
func NewRegistry(calcs map[Family]Calculator) (*Registry, error) {
	r := &Registry{}
	for f, c := range calcs {
		if !f.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, int(f))
		}
		r.calcs[f] = c
	}
	for f := Family(0); f < familyCount; f++ {
		if r.calcs[f] == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnboundFamily, f)
		}
	}
	return r, nil
}

// Compute dispatches to the family calculator and enforces payout >= 0.
func (r *Registry) Compute(p Params) (decimal.Decimal, error) {
	if !p.Family.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownFamily, int(p.Family))
	}
	amount, err := r.calcs[p.Family].Compute(p)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payout %s: %w", p.Family, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s for %s", ErrNegativePayout, amount, p.Family)
	}
	return amount, nil
}
