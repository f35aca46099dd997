package pool

import "github.com/holiman/uint256"

// MulDiv computes floor(a * b / den) with a 256-bit intermediate, failing
// closed when den is zero or the quotient does not fit in a uint64.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrArithmetic
	}
	prod := new(uint256.Int).Mul(
		uint256.NewInt(a),
		uint256.NewInt(b),
	)
	q := new(uint256.Int).Div(prod, uint256.NewInt(den))
	if !q.IsUint64() {
		return 0, ErrArithmetic
	}
	return q.Uint64(), nil
}

// SharesForDeposit returns the shares to mint for a deposit of amount
// lamports: 1:1 on the bootstrap deposit, proportional (rounded down)
// afterwards so no excess claims are ever minted.
func SharesForDeposit(amount, totalShares, totalDeposits uint64) (uint64, error) {
	if totalShares == 0 {
		return amount, nil
	}
	return MulDiv(amount, totalShares, totalDeposits)
}

// AddChecked returns a+b, failing closed on overflow.
func AddChecked(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrArithmetic
	}
	return sum, nil
}

// SubChecked returns a-b, failing closed on underflow.
func SubChecked(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmetic
	}
	return a - b, nil
}
