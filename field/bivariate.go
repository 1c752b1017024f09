package field

import "math/rand"

// BivariatePolynomial is a degree-d x degree-d polynomial p(x, y) used for
// BGW-style secret sharing. The secret sits at p(0, 0); every other
// coefficient is uniformly random.
type BivariatePolynomial struct {
	Degree int
	Coeffs [][]uint64 // Coeffs[i][j] is the coefficient of x^i * y^j
}

// NewBivariatePolynomial builds a random bivariate polynomial of the given
// degree. If secret is non-nil it becomes p(0, 0), otherwise a random
// element does.
func NewBivariatePolynomial(degree int, secret *uint64, rng *rand.Rand) *BivariatePolynomial {
	coeffs := make([][]uint64, degree+1)
	for i := range coeffs {
		coeffs[i] = make([]uint64, degree+1)
		for j := range coeffs[i] {
			coeffs[i][j] = Random(rng)
		}
	}
	if secret != nil {
		coeffs[0][0] = Embed(*secret)
	}
	return &BivariatePolynomial{Degree: degree, Coeffs: coeffs}
}

// Eval evaluates p(x, y).
func (bp *BivariatePolynomial) Eval(x, y uint64) uint64 {
	result := uint64(0)
	for i := 0; i <= bp.Degree; i++ {
		for j := 0; j <= bp.Degree; j++ {
			term := Mul(bp.Coeffs[i][j], Mul(Pow(x, uint64(i)), Pow(y, uint64(j))))
			result = Add(result, term)
		}
	}
	return result
}

// RowPolynomial returns the univariate polynomial p(x, y) in y for fixed x.
func (bp *BivariatePolynomial) RowPolynomial(x uint64) *Polynomial {
	xPow := powers(x, bp.Degree)
	coeffs := make([]uint64, bp.Degree+1)
	for j := 0; j <= bp.Degree; j++ {
		for k := 0; k <= bp.Degree; k++ {
			coeffs[j] = Add(coeffs[j], Mul(bp.Coeffs[k][j], xPow[k]))
		}
	}
	return NewPolynomial(coeffs)
}

// ColPolynomial returns the univariate polynomial p(x, y) in x for fixed y.
func (bp *BivariatePolynomial) ColPolynomial(y uint64) *Polynomial {
	yPow := powers(y, bp.Degree)
	coeffs := make([]uint64, bp.Degree+1)
	for j := 0; j <= bp.Degree; j++ {
		for k := 0; k <= bp.Degree; k++ {
			coeffs[j] = Add(coeffs[j], Mul(bp.Coeffs[j][k], yPow[k]))
		}
	}
	return NewPolynomial(coeffs)
}

// Secret returns p(0, 0).
func (bp *BivariatePolynomial) Secret() uint64 {
	return bp.Coeffs[0][0]
}

func powers(x uint64, degree int) []uint64 {
	out := make([]uint64, degree+1)
	out[0] = 1
	for i := 1; i <= degree; i++ {
		out[i] = Mul(out[i-1], x)
	}
	return out
}
