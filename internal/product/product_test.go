package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrade/trade-engine/internal/payout"
)

func TestParse_Valid(t *testing.T) {
	p, err := Parse("volatility_25_matches")
	require.NoError(t, err)
	assert.Equal(t, "volatility_25", p.Instrument)
	assert.Equal(t, VariantMatches, p.Variant)
	assert.Equal(t, payout.FamilyMatchesDiffers, p.Family)
	assert.Equal(t, 25, p.Volatility)
	assert.True(t, p.RequiresPrediction(), "matches product should require a prediction")
}

func TestParse_CaseInsensitive(t *testing.T) {
	p, err := Parse("  BOOM_100_Rise ")
	require.NoError(t, err)
	assert.Equal(t, "boom_100_rise", p.Type)
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"boom",
		"boom_100",
		"boom-100-rise",
		"gold_100_rise",
		"volatility_x_even",
	}
	for _, typ := range tests {
		_, err := Parse(typ)
		assert.ErrorIs(t, err, ErrInvalidProduct, "%q", typ)
	}
}

func TestParse_Unknown(t *testing.T) {
	tests := []string{
		"boom_100_even",
		"crash_100_matches",
		"boom_50_rise",
		"volatility_75_rise",
	}
	for _, typ := range tests {
		_, err := Parse(typ)
		assert.ErrorIs(t, err, ErrUnknownProduct, "%q", typ)
	}
}

func TestParse_FamilyMapping(t *testing.T) {
	tests := map[string]payout.Family{
		"boom_100_rise":         payout.FamilyBoom,
		"boom_100_fall":         payout.FamilyBoom,
		"crash_100_rise":        payout.FamilyCrash,
		"crash_100_fall":        payout.FamilyCrash,
		"volatility_10_even":    payout.FamilyEvenOdd,
		"volatility_25_odd":     payout.FamilyEvenOdd,
		"volatility_10_differs": payout.FamilyMatchesDiffers,
		"volatility_10_rise":    payout.FamilyVolatilityRiseFall,
		"volatility_25_fall":    payout.FamilyVolatilityRiseFall,
	}
	for typ, want := range tests {
		p, err := Parse(typ)
		if assert.NoError(t, err, typ) {
			assert.Equal(t, want, p.Family, typ)
		}
	}
}

func TestAll_SixteenProducts(t *testing.T) {
	all := All()
	require.Len(t, all, 16)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Type, all[i].Type, "products not sorted")
	}
}

func TestInstruments(t *testing.T) {
	assert.Equal(t, []string{"boom_100", "crash_100", "volatility_10", "volatility_25"}, Instruments())
}
