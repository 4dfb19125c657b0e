package math

import (
	"github.com/holiman/uint256"
)

const SecondsPerYear = 31_536_000

var (
	secondsPerYear = uint256.NewInt(SecondsPerYear)
	two            = uint256.NewInt(2)
	six            = uint256.NewInt(6)
)

// CompoundInterest returns the RAY growth factor (1 + rate/SecondsPerYear)^elapsed for an
// annual rate given in WAD. The power is approximated by the first four terms of its binomial
// expansion, which under-estimates the exact value by a negligible amount for realistic rates.
func CompoundInterest(rateWad *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || rateWad.IsZero() {
		return RAY(), nil
	}

	rateRay, err := WadToRay(rateWad)
	if err != nil {
		return nil, err
	}
	perSecond := new(uint256.Int).Div(rateRay, secondsPerYear)

	n := uint256.NewInt(elapsed)
	nMinusOne := uint256.NewInt(elapsed - 1)
	nMinusTwo := new(uint256.Int)
	if elapsed > 2 {
		nMinusTwo.SetUint64(elapsed - 2)
	}

	pow2, err := RayMul(perSecond, perSecond)
	if err != nil {
		return nil, err
	}
	pow3, err := RayMul(pow2, perSecond)
	if err != nil {
		return nil, err
	}

	first, err := Mul(perSecond, n)
	if err != nil {
		return nil, err
	}

	// n(n-1)/2 * r^2
	pairs, err := Mul(n, nMinusOne)
	if err != nil {
		return nil, err
	}
	second, err := Mul(pairs, pow2)
	if err != nil {
		return nil, err
	}
	second.Div(second, two)

	// n(n-1)(n-2)/6 * r^3
	triples, err := Mul(pairs, nMinusTwo)
	if err != nil {
		return nil, err
	}
	third, err := Mul(triples, pow3)
	if err != nil {
		return nil, err
	}
	third.Div(third, six)

	factor := RAY()
	for _, term := range []*uint256.Int{first, second, third} {
		if factor, err = Add(factor, term); err != nil {
			return nil, err
		}
	}
	return factor, nil
}
