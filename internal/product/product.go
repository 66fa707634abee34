// Package product handles synthetic product type parsing and maps each
// product to its price-feed instrument and payout family.
package product

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/syntrade/trade-engine/internal/payout"
)

// Contract variants, taken from the last segment of a product type.
const (
	VariantRise    = "rise"
	VariantFall    = "fall"
	VariantEven    = "even"
	VariantOdd     = "odd"
	VariantMatches = "matches"
	VariantDiffers = "differs"
)

// productRegex matches: {boom|crash|volatility}_{n}_{variant}
// Example: volatility_25_matches
var productRegex = regexp.MustCompile(`^(boom|crash|volatility)_(\d+)_([a-z]+)$`)

var (
	ErrInvalidProduct = errors.New("product: invalid product type format")
	ErrUnknownProduct = errors.New("product: unsupported product type")
)

// Product is a parsed synthetic product type.
type Product struct {
	Type string `json:"type"`
	// Instrument is the price-feed key, e.g. "boom_100" or "volatility_10".
	Instrument string        `json:"instrument"`
	Variant    string        `json:"variant"`
	Family     payout.Family `json:"family"`
	// Volatility is 10 or 25 for volatility indices, 0 otherwise.
	Volatility int `json:"volatility,omitempty"`
}

// RequiresPrediction reports whether the product settles against a
// last-digit prediction.
func (p Product) RequiresPrediction() bool {
	return p.Family == payout.FamilyMatchesDiffers
}

var catalogue = map[string]Product{}

func register(instrument string, family payout.Family, volatility int, variants ...string) {
	for _, v := range variants {
		typ := instrument + "_" + v
		catalogue[typ] = Product{
			Type:       typ,
			Instrument: instrument,
			Variant:    v,
			Family:     family,
			Volatility: volatility,
		}
	}
}

func init() {
	register("boom_100", payout.FamilyBoom, 0, VariantRise, VariantFall)
	register("crash_100", payout.FamilyCrash, 0, VariantRise, VariantFall)
	for _, vol := range []int{10, 25} {
		instrument := "volatility_" + strconv.Itoa(vol)
		register(instrument, payout.FamilyEvenOdd, vol, VariantEven, VariantOdd)
		register(instrument, payout.FamilyMatchesDiffers, vol, VariantMatches, VariantDiffers)
		register(instrument, payout.FamilyVolatilityRiseFall, vol, VariantRise, VariantFall)
	}
}

// Parse parses and validates a product type string. Matching is case
// insensitive; the returned Product carries the canonical lower-case type.
func Parse(productType string) (Product, error) {
	typ := strings.ToLower(strings.TrimSpace(productType))
	if !productRegex.MatchString(typ) {
		return Product{}, fmt.Errorf("%w: %q (expected {boom|crash|volatility}_{n}_{variant})",
			ErrInvalidProduct, productType)
	}
	p, ok := catalogue[typ]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, typ)
	}
	return p, nil
}

// All returns every supported product sorted by type.
func All() []Product {
	out := make([]Product, 0, len(catalogue))
	for _, p := range catalogue {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Instruments returns the distinct price-feed keys across the catalogue.
func Instruments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range catalogue {
		if !seen[p.Instrument] {
			seen[p.Instrument] = true
			out = append(out, p.Instrument)
		}
	}
	sort.Strings(out)
	return out
}
