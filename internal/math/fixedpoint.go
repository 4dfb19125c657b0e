// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOutOfRange     = errors.New("fixedpoint: value out of range")
)

const (
	WadDecimals = 18
	RayDecimals = 27
)

var (
	wad         = uint256.NewInt(1_000_000_000_000_000_000)
	ray         = uint256.MustFromDecimal("1000000000000000000000000000")
	wadRayRatio = uint256.NewInt(1_000_000_000)
	one         = uint256.NewInt(1)
)

// WAD returns a fresh 1e18.
func WAD() *uint256.Int { return wad.Clone() }

// RAY returns a fresh 1e27.
func RAY() *uint256.Int { return ray.Clone() }

type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // default for WAD/RAY products
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half_up"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// MulDiv computes x*y/d with a 512-bit intermediate product and the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundDown {
		return z, nil
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}

	roundUp := mode == RoundUp
	if mode == RoundHalfUp {
		// rem >= d - rem  <=>  2*rem >= d, without overflowing on large d
		roundUp = !rem.Lt(new(uint256.Int).Sub(d, rem))
	}
	if roundUp {
		if _, overflow = z.AddOverflow(z, one); overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

func WadMul(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, wad, RoundHalfUp) }

func WadDiv(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, wad, b, RoundHalfUp) }

func RayMul(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, ray, RoundHalfUp) }

func RayDiv(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, ray, b, RoundHalfUp) }

// WadToRay widens a WAD value to RAY precision.
func WadToRay(a *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, wadRayRatio)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// OneMinus returns 1 - x for a WAD fraction x in [0, 1].
func OneMinus(x *uint256.Int) (*uint256.Int, error) {
	if x.Gt(wad) {
		return nil, ErrOutOfRange
	}
	return new(uint256.Int).Sub(wad, x), nil
}

// Add and Sub return fresh values and report overflow/underflow as errors.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrOutOfRange
	}
	return z, nil
}

func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Min returns a copy of the smaller value.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// Max returns a copy of the larger value.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SignedDiff returns a - b as a signed integer.
func SignedDiff(a, b *uint256.Int) *big.Int {
	return new(big.Int).Sub(a.ToBig(), b.ToBig())
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// OrZero treats nil as zero.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
