package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// InternalDecimals is the common scale every amount is brought to before ratios are taken.
const InternalDecimals = WadDecimals

const maxDecimals = 36

var ErrUnsupportedDecimals = errors.New("fixedpoint: unsupported decimals")

var pow10Table = func() [maxDecimals + 1]*uint256.Int {
	var t [maxDecimals + 1]*uint256.Int
	v := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := range t {
		t[i] = v.Clone()
		v.Mul(v, ten)
	}
	return t
}()

func pow10(n uint8) (*uint256.Int, error) {
	if int(n) > maxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, n)
	}
	return pow10Table[n], nil
}

// Normalize brings an amount expressed with the given decimals to InternalDecimals.
func Normalize(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if int(decimals) > maxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	switch {
	case decimals == InternalDecimals:
		return amount.Clone(), nil
	case decimals < InternalDecimals:
		f, err := pow10(InternalDecimals - decimals)
		if err != nil {
			return nil, err
		}
		return Mul(amount, f)
	default:
		f, err := pow10(decimals - InternalDecimals)
		if err != nil {
			return nil, err
		}
		return MulDiv(amount, one, f, RoundDown)
	}
}

// Denormalize converts an internal amount back to the asset's own decimals.
func Denormalize(amount *uint256.Int, decimals uint8, mode RoundingMode) (*uint256.Int, error) {
	if int(decimals) > maxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	switch {
	case decimals == InternalDecimals:
		return amount.Clone(), nil
	case decimals < InternalDecimals:
		f, err := pow10(InternalDecimals - decimals)
		if err != nil {
			return nil, err
		}
		return MulDiv(amount, one, f, mode)
	default:
		f, err := pow10(decimals - InternalDecimals)
		if err != nil {
			return nil, err
		}
		return Mul(amount, f)
	}
}

// Convert values amount (fromDecimals units) at a WAD rate quoted as "to per from" and returns
// the result in toDecimals units.
func Convert(amount *uint256.Int, fromDecimals uint8, rate *uint256.Int, toDecimals uint8, mode RoundingMode) (*uint256.Int, error) {
	n, err := Normalize(amount, fromDecimals)
	if err != nil {
		return nil, err
	}
	v, err := MulDiv(n, rate, wad, mode)
	if err != nil {
		return nil, err
	}
	return Denormalize(v, toDecimals, mode)
}

// Ratio returns a/b as WAD after normalizing both sides.
func Ratio(a *uint256.Int, aDecimals uint8, b *uint256.Int, bDecimals uint8, mode RoundingMode) (*uint256.Int, error) {
	na, err := Normalize(a, aDecimals)
	if err != nil {
		return nil, err
	}
	nb, err := Normalize(b, bDecimals)
	if err != nil {
		return nil, err
	}
	return MulDiv(na, wad, nb, mode)
}

// ParseWad parses a non-negative decimal string such as "0.05" into WAD.
func ParseWad(s string) (*uint256.Int, error) {
	return ParseAmount(s, WadDecimals)
}

// ParseAmount parses a non-negative decimal string into base units of an asset with the given
// decimals. More fractional digits than the asset carries is an error.
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse %q: %w", s, ErrOutOfRange)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse %q: more than %d fractional digits", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// FormatWad renders a WAD value as a plain decimal string.
func FormatWad(v *uint256.Int) string {
	return FormatAmount(v, WadDecimals)
}

// FormatAmount renders base units of an asset as a decimal string.
func FormatAmount(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}
