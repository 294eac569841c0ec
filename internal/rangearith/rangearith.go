// Package rangearith implements the pure integer/hex helpers that every
// other component builds on: hex conversion and the power-of-two range
// arithmetic the xiebo binary's "-range N" contract requires.
package rangearith

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidHex is returned by ParseHex when the input is not a valid,
// non-negative hexadecimal integer.
var ErrInvalidHex = errors.New("rangearith: invalid hex")

// ErrInvalidRangeBits is returned when a requested bit count falls
// outside [1, MaxRangeBits].
var ErrInvalidRangeBits = errors.New("rangearith: invalid range bits")

// MaxRangeBits bounds the size of any single batch or partition: end -
// start + 1 must never exceed 2^MaxRangeBits.
const MaxRangeBits = 256

// ParseHex parses s as a non-negative hexadecimal integer. An optional
// "0x"/"0X" prefix is stripped; the remainder must be hex digits only.
func ParseHex(s string) (*big.Int, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(t, "0x")
	t = strings.TrimPrefix(t, "0X")
	if t == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidHex)
	}
	n, ok := new(big.Int).SetString(strings.ToLower(t), 16)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	return n, nil
}

// FormatHex renders n as lowercase hex with no prefix and no padding.
func FormatHex(n *big.Int) string {
	if n.Sign() == 0 {
		return "0"
	}
	return n.Text(16)
}

// BitsFor returns the smallest N >= 1 such that 2^N >= count. Per the
// external binary's contract, count <= 1 always yields 1.
func BitsFor(count *big.Int) int {
	if count.Cmp(big.NewInt(1)) <= 0 {
		return 1
	}
	// ceil(log2(count)): bitlen(count-1) gives floor(log2(count-1))+1,
	// which equals ceil(log2(count)) for count > 1 except exact powers
	// of two, which this also yields correctly since count-1 has one
	// fewer bit than count in that case.
	less1 := new(big.Int).Sub(count, big.NewInt(1))
	n := less1.BitLen()
	if n < 1 {
		n = 1
	}
	return n
}

// IsPowerOfTwo reports whether count is a strictly positive power of two.
func IsPowerOfTwo(count *big.Int) bool {
	if count.Sign() <= 0 {
		return false
	}
	less1 := new(big.Int).Sub(count, big.NewInt(1))
	and := new(big.Int).And(count, less1)
	return and.Sign() == 0
}

// AdjustToPowerOfTwo returns (2^N, N) where N = BitsFor(size); the
// adjusted size is always >= the requested size.
func AdjustToPowerOfTwo(size *big.Int) (*big.Int, int, error) {
	if size.Sign() < 0 {
		return nil, 0, fmt.Errorf("%w: negative size", ErrInvalidRangeBits)
	}
	n := BitsFor(size)
	return PowerOfTwo(n), n, nil
}

// PowerOfTwo returns 2^n as a big.Int. n must be in [0, MaxRangeBits].
func PowerOfTwo(n int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(n))
}

// ValidateRangeBits checks n is in the contract's accepted window,
// [1, MaxRangeBits].
func ValidateRangeBits(n int) error {
	if n < 1 || n > MaxRangeBits {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidRangeBits, n, MaxRangeBits)
	}
	return nil
}
