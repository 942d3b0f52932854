// Package fixed implements checked base-10^6 decimal numbers.
//
// UFixed6 and Fixed6 are backed by shopspring/decimal; never float64 for money.
// Every operation truncates toward zero at Precision decimal places and fails
// rather than wraps when a result leaves the representable range.
//
// Arithmetic methods panic with *RangeError. Functions that expose these values
// across a package boundary recover it with Recover and return it as an error.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places carried by every value.
const Precision = 6

// ErrRange is the single arithmetic failure class: overflow, negative unsigned
// result, division by zero, or a value too wide for its storage slot.
var ErrRange = errors.New("fixed: arithmetic out of range")

// RangeError describes the operation that left the representable range.
type RangeError struct {
	Op    string
	Value string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("fixed: %s out of range: %s", e.Op, e.Value)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// Recover converts a *RangeError panic into *err. It must be deferred directly.
// Any other panic is re-raised.
func Recover(err *error) {
	if r := recover(); r != nil {
		re, ok := r.(*RangeError)
		if !ok {
			panic(r)
		}
		*err = re
	}
}

var (
	// raw bounds, in units of 10^-6
	maxUnsignedRaw = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	maxSignedRaw   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minSignedRaw   = new(big.Int).Neg(maxSignedRaw)
)

func rangeErr(op string, v decimal.Decimal) *RangeError {
	return &RangeError{Op: op, Value: v.String()}
}

// raw returns d scaled to integer units of 10^-Precision.
func raw(d decimal.Decimal) *big.Int {
	return d.Shift(Precision).BigInt()
}

func unsigned(op string, d decimal.Decimal) UFixed6 {
	d = d.Truncate(Precision)
	if d.Sign() < 0 || raw(d).Cmp(maxUnsignedRaw) > 0 {
		panic(rangeErr(op, d))
	}
	return UFixed6{v: d}
}

func signed(op string, d decimal.Decimal) Fixed6 {
	d = d.Truncate(Precision)
	r := raw(d)
	if r.Cmp(maxSignedRaw) > 0 || r.Cmp(minSignedRaw) < 0 {
		panic(rangeErr(op, d))
	}
	return Fixed6{v: d}
}

// quo divides with truncation toward zero at Precision places.
func quo(op string, num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		panic(&RangeError{Op: op, Value: num.String() + "/0"})
	}
	q, _ := num.QuoRem(den, Precision)
	return q
}

func parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(Precision)) {
		return decimal.Zero, fmt.Errorf("fixed: parse %q: more than %d decimal places", s, Precision)
	}
	return d, nil
}

func checkWidth(d decimal.Decimal, bits int, signedSlot bool) error {
	r := raw(d)
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	if signedSlot {
		limit.Rsh(limit, 1)
		if r.Cmp(limit) >= 0 || r.Cmp(new(big.Int).Neg(limit)) < 0 {
			return rangeErr("store", d)
		}
		return nil
	}
	if r.Sign() < 0 || r.Cmp(limit) >= 0 {
		return rangeErr("store", d)
	}
	return nil
}

func unmarshalDecimal(data []byte) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return decimal.Zero, fmt.Errorf("fixed: %w", err)
	}
	if !d.Equal(d.Truncate(Precision)) {
		return decimal.Zero, fmt.Errorf("fixed: %s has more than %d decimal places", d, Precision)
	}
	return d, nil
}
