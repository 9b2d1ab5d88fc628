package pool

import "math/bits"

// BasisPoints is the denominator of every rate: 10000 bps = 100%.
const BasisPoints = 10_000

// addChecked returns a+b or ErrOverflow.
func addChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// mulDiv returns floor(a*b/d) using a 128-bit product. Truncation is
// toward zero. It fails when d is zero or the quotient exceeds 64 bits.
func mulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

// applyBps returns floor(amount*bps/10000).
func applyBps(amount uint64, bps uint16) (uint64, error) {
	return mulDiv(amount, uint64(bps), BasisPoints)
}
