// Package currency converts platform prices into a store's currency.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrNoRate          = errors.New("no conversion rate")
)

// Converter converts amounts using fixed rates relative to a base currency.
type Converter struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewConverter builds a converter. rates maps an ISO 4217 code to the number of
// units of that currency per one unit of base.
func NewConverter(base string, rates map[string]float64) (*Converter, error) {
	baseCode, err := normalize(base)
	if err != nil {
		return nil, err
	}

	c := &Converter{
		base:  baseCode,
		rates: map[string]decimal.Decimal{baseCode: decimal.NewFromInt(1)},
	}
	for code, rate := range rates {
		normalized, err := normalize(code)
		if err != nil {
			return nil, err
		}
		if rate <= 0 {
			return nil, fmt.Errorf("rate for %s must be positive", normalized)
		}
		c.rates[normalized] = decimal.NewFromFloat(rate)
	}
	return c, nil
}

// Convert converts amount from one currency into another, rounded to cents.
// An empty from means the amount is already in the target currency.
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	toCode, err := normalize(to)
	if err != nil {
		return decimal.Zero, err
	}
	if strings.TrimSpace(from) == "" {
		return amount.Round(2), nil
	}
	fromCode, err := normalize(from)
	if err != nil {
		return decimal.Zero, err
	}
	if fromCode == toCode {
		return amount.Round(2), nil
	}

	fromRate, ok := c.rates[fromCode]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s", ErrNoRate, fromCode, c.base)
	}
	toRate, ok := c.rates[toCode]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s", ErrNoRate, c.base, toCode)
	}

	return amount.Div(fromRate).Mul(toRate).Round(2), nil
}

func normalize(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit.String(), nil
}
