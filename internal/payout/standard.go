package payout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/model"
)

// Odds holds the gross payout multipliers applied to a winning wager. A
// losing trade always pays zero.
type Odds struct {
	Boom    decimal.Decimal
	Crash   decimal.Decimal
	EvenOdd decimal.Decimal
	Matches decimal.Decimal
	Differs decimal.Decimal
	// Volatility maps a volatility tier (10, 25) to its rise/fall multiplier.
	Volatility map[int]decimal.Decimal
}

// Standard returns reference calculators for every family, parameterised by
// odds. Option semantics: call = rise / even / matches, put = fall / odd /
// differs.
func Standard(odds Odds) map[Family]Calculator {
	return map[Family]Calculator{
		FamilyBoom:  directional(func(Params) (decimal.Decimal, error) { return odds.Boom, nil }),
		FamilyCrash: directional(func(Params) (decimal.Decimal, error) { return odds.Crash, nil }),
		FamilyVolatilityRiseFall: directional(func(p Params) (decimal.Decimal, error) {
			m, ok := odds.Volatility[p.Volatility]
			if !ok {
				return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidVolatility, p.Volatility)
			}
			return m, nil
		}),
		FamilyEvenOdd: CalculatorFunc(func(p Params) (decimal.Decimal, error) {
			even := TerminalDigit(p.Exit)%2 == 0
			switch p.Option {
			case model.OptionCall:
				return win(p.Wager, odds.EvenOdd, even), nil
			case model.OptionPut:
				return win(p.Wager, odds.EvenOdd, !even), nil
			}
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidOption, p.Option)
		}),
		FamilyMatchesDiffers: CalculatorFunc(func(p Params) (decimal.Decimal, error) {
			match := TerminalDigit(p.Exit) == p.LastDigitPrediction
			switch p.Option {
			case model.OptionCall:
				return win(p.Wager, odds.Matches, match), nil
			case model.OptionPut:
				return win(p.Wager, odds.Differs, !match), nil
			}
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidOption, p.Option)
		}),
	}
}

// directional wins on a strict move in the option's direction; an unchanged
// price loses.
func directional(multiplier func(Params) (decimal.Decimal, error)) Calculator {
	return CalculatorFunc(func(p Params) (decimal.Decimal, error) {
		m, err := multiplier(p)
		if err != nil {
			return decimal.Zero, err
		}
		switch p.Option {
		case model.OptionCall:
			return win(p.Wager, m, p.Exit.GreaterThan(p.Entry)), nil
		case model.OptionPut:
			return win(p.Wager, m, p.Exit.LessThan(p.Entry)), nil
		}
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidOption, p.Option)
	})
}

func win(wager, multiplier decimal.Decimal, won bool) decimal.Decimal {
	if !won {
		return decimal.Zero
	}
	return wager.Mul(multiplier).Round(2)
}

// TerminalDigit returns the last digit of a price quoted to two decimals,
// e.g. 1010.57 -> 7 and 1010.5 -> 0.
func TerminalDigit(price decimal.Decimal) int {
	s := price.Abs().StringFixed(2)
	return int(s[len(s)-1] - '0')
}
