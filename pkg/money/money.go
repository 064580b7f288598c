// Package money represents protocol amounts exactly, as integer minor units
// plus an ISO-4217 (or stablecoin) currency code. Offers, bounds, and
// settlement amounts are compared in minor units; float arithmetic only
// appears at the concession-curve boundary and is rounded back immediately.
package money

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrUnknownCurrency  = errors.New("unknown currency")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3,5}$`)

// minorUnitExponent maps supported currencies to their decimal exponent.
// USDC/USDT carry six on-chain decimals.
var minorUnitExponent = map[string]int{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"JPY":  0,
	"KRW":  0,
	"INR":  2,
	"CHF":  2,
	"CAD":  2,
	"AUD":  2,
	"USDC": 6,
	"USDT": 6,
}

// Amount is an exact monetary value: Minor units of Currency.
// The zero Amount has no currency and means "no amount".
type Amount struct {
	Currency string `json:"currency"`
	Minor    int64  `json:"minor"`
}

// Exponent returns the minor-unit exponent for a currency code.
func Exponent(currency string) (int, error) {
	ccy := strings.ToUpper(strings.TrimSpace(currency))
	if !currencyPattern.MatchString(ccy) {
		return 0, ErrUnknownCurrency
	}
	exp, ok := minorUnitExponent[ccy]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	return exp, nil
}

// Supported reports whether the currency code is known.
func Supported(currency string) bool {
	_, err := Exponent(currency)
	return err == nil
}

// Parse converts a decimal string such as "12.50" into an Amount.
func Parse(currency, decimal string) (Amount, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return Amount{}, err
	}
	ccy := strings.ToUpper(strings.TrimSpace(currency))
	s := strings.TrimSpace(decimal)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > exp {
		return Amount{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, exp)
	}
	for len(fracPart) < exp {
		fracPart += "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	var frac int64
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return Amount{}, ErrInvalidAmount
		}
	}
	pow := pow10(exp)
	if whole > (math.MaxInt64-frac)/pow {
		return Amount{}, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	minor := whole*pow + frac
	if neg {
		minor = -minor
	}
	return Amount{Currency: ccy, Minor: minor}, nil
}

// MustParse is Parse that panics; for constants and tests.
func MustParse(currency, decimal string) Amount {
	a, err := Parse(currency, decimal)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat rounds a floating point value to the nearest minor unit.
func FromFloat(currency string, value float64) (Amount, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return Amount{}, err
	}
	minor := math.Round(value * float64(pow10(exp)))
	if math.IsNaN(minor) || minor > math.MaxInt64 || minor < math.MinInt64 {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{Currency: strings.ToUpper(strings.TrimSpace(currency)), Minor: int64(minor)}, nil
}

// Float64 converts to a float value in major units. Only for curve math.
func (a Amount) Float64() float64 {
	exp, err := Exponent(a.Currency)
	if err != nil {
		return 0
	}
	return float64(a.Minor) / float64(pow10(exp))
}

// Decimal formats the amount as a plain decimal string without trailing
// zero padding beyond the currency exponent ("12.50", "5", "0.000001").
func (a Amount) Decimal() string {
	exp, err := Exponent(a.Currency)
	if err != nil || exp == 0 {
		return strconv.FormatInt(a.Minor, 10)
	}
	minor := a.Minor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	pow := pow10(exp)
	s := fmt.Sprintf("%s%d.%0*d", sign, minor/pow, exp, minor%pow)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// String renders "12.50 USDC".
func (a Amount) String() string {
	if a.IsZero() && a.Currency == "" {
		return "0"
	}
	return a.Decimal() + " " + a.Currency
}

// IsZero reports whether the amount is the zero value.
func (a Amount) IsZero() bool { return a.Minor == 0 && a.Currency == "" }

// Cmp compares two amounts of the same currency: -1, 0, or +1.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case a.Minor < b.Minor:
		return -1, nil
	case a.Minor > b.Minor:
		return 1, nil
	default:
		return 0, nil
	}
}

// GTE reports a >= b; false on currency mismatch.
func (a Amount) GTE(b Amount) bool {
	c, err := a.Cmp(b)
	return err == nil && c >= 0
}

// LT reports a < b; false on currency mismatch.
func (a Amount) LT(b Amount) bool {
	c, err := a.Cmp(b)
	return err == nil && c < 0
}

// Equal reports exact equality of currency and minor units.
func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Minor == b.Minor
}

func pow10(exp int) int64 {
	p := int64(1)
	for i := 0; i < exp; i++ {
		p *= 10
	}
	return p
}
