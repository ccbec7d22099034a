// Package fixedmath implements deterministic ray-precision (27-decimal)
// arithmetic over 256-bit unsigned integers. Every operation rejects results
// that do not fit 256 bits with ErrOverflow; nothing wraps silently.
package fixedmath

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when the mathematically correct result of an
// operation does not fit the native 256-bit unsigned width.
var ErrOverflow = errors.New("fixedmath: arithmetic overflow")

var (
	one       = uint256.MustFromDecimal("1000000000000000000000000000")                            // 1e27
	bigNumber = uint256.MustFromDecimal("1000000000000000000000000000000000000000000000000000000") // 1e54
	rayRat    = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))
)

// One returns the ray scale constant (10^27).
func One() *uint256.Int {
	return new(uint256.Int).Set(one)
}

// BigNumber returns the saturation constant used by inverse-distance scores.
func BigNumber() *uint256.Int {
	return new(uint256.Int).Set(bigNumber)
}

// MulRayDown computes a*b/RAY rounded down.
func MulRayDown(a, b *uint256.Int) (*uint256.Int, error) {
	return MulScaledDown(a, b, one)
}

// MulScaledDown computes a*b/scale rounded down for an arbitrary scale.
func MulScaledDown(a, b, scale *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, scale)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// DivRayDown computes a*RAY/b rounded down. The denominator must be nonzero;
// callers guard empty totals with an explicit zero check instead of invoking
// the divide primitive.
func DivRayDown(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(a, one, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// DivRayUp computes a*RAY/b rounded up. The denominator must be nonzero.
func DivRayUp(a, b *uint256.Int) (*uint256.Int, error) {
	z, err := DivRayDown(a, b)
	if err != nil {
		return nil, err
	}
	rem := new(uint256.Int).MulMod(a, one, b)
	if rem.IsZero() {
		return z, nil
	}
	return SafeAdd(z, uint256.NewInt(1))
}

// PowRay raises base to the given exponent using exponentiation by squaring
// at the supplied scale. Exponent zero returns the scale constant regardless
// of base.
func PowRay(base *uint256.Int, exp uint64, scale *uint256.Int) (*uint256.Int, error) {
	result := new(uint256.Int).Set(scale)
	b := new(uint256.Int).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			z, err := MulScaledDown(result, b, scale)
			if err != nil {
				return nil, err
			}
			result = z
		}
		exp >>= 1
		if exp > 0 {
			z, err := MulScaledDown(b, b, scale)
			if err != nil {
				return nil, err
			}
			b = z
		}
	}
	return result, nil
}

// SafeAdd returns a+b, rejecting 256-bit overflow.
func SafeAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z, carry := new(uint256.Int).AddOverflow(a, b)
	if carry {
		return nil, ErrOverflow
	}
	return z, nil
}

// SafeSub returns a-b, rejecting underflow.
func SafeSub(a, b *uint256.Int) (*uint256.Int, error) {
	z, borrow := new(uint256.Int).SubOverflow(a, b)
	if borrow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SafeMul returns a*b, rejecting 256-bit overflow.
func SafeMul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// FromDecimal parses a non-negative decimal string (e.g. "0.75") into a ray
// value, rounding half up on the last digit.
func FromDecimal(value string) (*uint256.Int, error) {
	r, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("fixedmath: invalid decimal %q", value)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("fixedmath: negative decimal %q", value)
	}
	scaled := new(big.Rat).Mul(r, rayRat)
	num := scaled.Num()
	den := scaled.Denom()
	half := new(big.Int).Rsh(new(big.Int).Add(den, big.NewInt(1)), 1)
	result := new(big.Int).Quo(new(big.Int).Add(num, half), den)
	z, overflow := uint256.FromBig(result)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}
