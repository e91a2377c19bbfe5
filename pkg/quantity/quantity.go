package quantity

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Unit is a quantity suffix.
type Unit string

const (
	Base  Unit = ""
	Milli Unit = "m"
	Kilo  Unit = "K"
	Mega  Unit = "M"
	Giga  Unit = "G"
	Tera  Unit = "T"
	Peta  Unit = "P"
	Kibi  Unit = "Ki"
	Mebi  Unit = "Mi"
	Gibi  Unit = "Gi"
	Tebi  Unit = "Ti"
	Pebi  Unit = "Pi"
)

var (
	// ErrInvalid is wrapped by every ParseError.
	ErrInvalid = errors.New("invalid quantity")
	// ErrOutOfRange reports a value that does not fit an int64 in the
	// requested unit.
	ErrOutOfRange = errors.New("quantity out of range")
)

// ParseError reports a quantity string that is neither a plain number nor a
// number followed by a known suffix, or one too large to count.
type ParseError struct {
	Value string
	// Err is the underlying cause, if any.
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unrecognized quantity %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("unrecognized quantity %q", e.Value)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalid, e.Err}
	}
	return []error{ErrInvalid}
}

var factors = map[Unit]*big.Rat{
	Base:  big.NewRat(1, 1),
	Milli: big.NewRat(1, 1000),
	Kilo:  big.NewRat(1000, 1),
	Mega:  big.NewRat(1000*1000, 1),
	Giga:  big.NewRat(1000*1000*1000, 1),
	Tera:  big.NewRat(1000*1000*1000*1000, 1),
	Peta:  big.NewRat(1000*1000*1000*1000*1000, 1),
	Kibi:  big.NewRat(1<<10, 1),
	Mebi:  big.NewRat(1<<20, 1),
	Gibi:  big.NewRat(1<<30, 1),
	Tebi:  big.NewRat(1<<40, 1),
	Pebi:  big.NewRat(1<<50, 1),
}

// suffixes are tried longest first so "Mi" is never read as "M".
var suffixes = []Unit{Kibi, Mebi, Gibi, Tebi, Pebi, Milli, Kilo, Mega, Giga, Tera, Peta}

// Factor returns the number of base units in one u. Unknown units yield nil.
func (u Unit) Factor() *big.Rat {
	f, ok := factors[u]
	if !ok {
		return nil
	}
	return new(big.Rat).Set(f)
}

// Split separates a quantity into its numeric part and unit.
func Split(value string) (string, Unit) {
	for _, s := range suffixes {
		if strings.HasSuffix(value, string(s)) {
			return strings.TrimSuffix(value, string(s)), s
		}
	}
	// Lower-case k is the canonical decimal kilo suffix in manifests.
	if strings.HasSuffix(value, "k") {
		return strings.TrimSuffix(value, "k"), Kilo
	}
	return value, Base
}

// Normalize parses value and returns it in base units: cores for CPU, bytes
// for memory and storage.
func Normalize(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	number, unit := Split(trimmed)
	if !validNumber(number) {
		return nil, &ParseError{Value: value}
	}
	r, ok := new(big.Rat).SetString(number)
	if !ok {
		return nil, &ParseError{Value: value}
	}
	return r.Mul(r, factors[unit]), nil
}

// Format expresses base in unit, rounded to the nearest integer with ties to
// even. It returns ErrOutOfRange when the result does not fit an int64.
func Format(base *big.Rat, unit Unit) (int64, error) {
	f, ok := factors[unit]
	if !ok {
		f = factors[Base]
	}
	return roundHalfEven(new(big.Rat).Quo(base, f))
}

// ToInteger parses value and formats it in unit.
func ToInteger(value string, unit Unit) (int64, error) {
	base, err := Normalize(value)
	if err != nil {
		return 0, err
	}
	n, err := Format(base, unit)
	if err != nil {
		return 0, &ParseError{Value: value, Err: err}
	}
	return n, nil
}

// validNumber accepts an optional sign, digits and at most one decimal point.
func validNumber(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "+"), "-")
	digits, dot := 0, false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}

func roundHalfEven(r *big.Rat) (int64, error) {
	num, den := r.Num(), r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	twice := new(big.Int).Abs(m)
	twice.Lsh(twice, 1)

	away := false
	switch twice.Cmp(den) {
	case 1:
		away = true
	case 0:
		away = q.Bit(0) == 1
	}
	if away {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	if !q.IsInt64() {
		return 0, ErrOutOfRange
	}
	return q.Int64(), nil
}
