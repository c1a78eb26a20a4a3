// Package money represents monetary values as minor-unit integers.
//
// All arithmetic inside the engine happens on int64 cents; decimal strings
// exist only at the HTTP and database boundaries.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a monetary value in minor units (cents for USD).
type Amount int64

var (
	ErrMalformedAmount = errors.New("money: malformed decimal amount")
	ErrTooManyDecimals = errors.New("money: more than two decimal places")
)

// Parse converts a decimal string like "100.00" or "4.5" into minor units.
// At most two decimal places are accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformedAmount
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrMalformedAmount
	}
	if len(frac) > 2 {
		return 0, ErrTooManyDecimals
	}

	// Pad fraction to exactly two digits
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrMalformedAmount
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrMalformedAmount
	}

	v := w*100 + f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// String formats the amount as a two-decimal string, e.g. 10000 -> "100.00".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MulDivRound returns a*num/den rounded half-up.
// Used for percentage fee math on minor units.
func MulDivRound(a Amount, num, den int64) Amount {
	if den <= 0 {
		panic("money: non-positive denominator")
	}
	v := int64(a) * num
	if v >= 0 {
		return Amount((v + den/2) / den)
	}
	// Half away from zero for negative values
	return Amount(-((-v + den/2) / den))
}
