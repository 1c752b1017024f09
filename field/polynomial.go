package field

import "errors"

var ErrDuplicatePoint = errors.New("field: duplicate x-coordinate in interpolation")

// Polynomial over F_p. Coeffs[i] is the coefficient of x^i. The zero
// polynomial is represented as a single zero coefficient.
type Polynomial struct {
	Coeffs []uint64
}

// NewPolynomial builds a polynomial from ascending coefficients, reducing
// each into the field and trimming leading zeros.
func NewPolynomial(coeffs []uint64) *Polynomial {
	reduced := make([]uint64, len(coeffs))
	for i, c := range coeffs {
		reduced[i] = Embed(c)
	}
	for len(reduced) > 1 && reduced[len(reduced)-1] == 0 {
		reduced = reduced[:len(reduced)-1]
	}
	if len(reduced) == 0 {
		reduced = []uint64{0}
	}
	return &Polynomial{Coeffs: reduced}
}

// ZeroPolynomial returns the zero polynomial.
func ZeroPolynomial() *Polynomial {
	return &Polynomial{Coeffs: []uint64{0}}
}

// Degree of the polynomial; the zero polynomial has degree 0.
func (p *Polynomial) Degree() int {
	return len(p.Coeffs) - 1
}

// Eval evaluates the polynomial at x using Horner's method.
func (p *Polynomial) Eval(x uint64) uint64 {
	x = Embed(x)
	result := uint64(0)
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		result = Add(Mul(result, x), p.Coeffs[i])
	}
	return result
}

// Add returns p + q, padding the shorter operand with zeros.
func (p *Polynomial) Add(q *Polynomial) *Polynomial {
	maxLen := len(p.Coeffs)
	if len(q.Coeffs) > maxLen {
		maxLen = len(q.Coeffs)
	}
	result := make([]uint64, maxLen)
	for i := range result {
		var a, b uint64
		if i < len(p.Coeffs) {
			a = p.Coeffs[i]
		}
		if i < len(q.Coeffs) {
			b = q.Coeffs[i]
		}
		result[i] = Add(a, b)
	}
	return NewPolynomial(result)
}

// Mul returns p * q by schoolbook multiplication. Degrees here are bounded
// by f, so the quadratic cost is irrelevant.
func (p *Polynomial) Mul(q *Polynomial) *Polynomial {
	result := make([]uint64, len(p.Coeffs)+len(q.Coeffs)-1)
	for i, a := range p.Coeffs {
		for j, b := range q.Coeffs {
			result[i+j] = Add(result[i+j], Mul(a, b))
		}
	}
	return NewPolynomial(result)
}

// MulScalar returns k * p.
func (p *Polynomial) MulScalar(k uint64) *Polynomial {
	result := make([]uint64, len(p.Coeffs))
	for i, c := range p.Coeffs {
		result[i] = Mul(c, k)
	}
	return NewPolynomial(result)
}

// Point is an (x, y) interpolation sample.
type Point struct {
	X, Y uint64
}

// Interpolate returns the unique polynomial of degree < len(points) passing
// through the given points. The x-coordinates must be pairwise distinct.
func Interpolate(points []Point) (*Polynomial, error) {
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if Embed(points[i].X) == Embed(points[j].X) {
				return nil, ErrDuplicatePoint
			}
		}
	}

	result := ZeroPolynomial()
	for i, pi := range points {
		// Lagrange basis polynomial L_i(x).
		basis := NewPolynomial([]uint64{1})
		for j, pj := range points {
			if i == j {
				continue
			}
			// basis *= (x - x_j) / (x_i - x_j)
			numerator := NewPolynomial([]uint64{Neg(pj.X), 1})
			denomInv, err := Inv(Sub(pi.X, pj.X))
			if err != nil {
				return nil, err
			}
			basis = basis.Mul(numerator).MulScalar(denomInv)
		}
		result = result.Add(basis.MulScalar(pi.Y))
	}
	return result, nil
}

// InterpolateAt evaluates the interpolating polynomial at x0 without building
// it, by summing y_i weighted with the Lagrange coefficients.
func InterpolateAt(points []Point, x0 uint64) (uint64, error) {
	xs := make([]uint64, len(points))
	for i, pt := range points {
		xs[i] = pt.X
	}
	result := uint64(0)
	for i, pt := range points {
		coeff, err := LagrangeCoefficient(i, xs, x0)
		if err != nil {
			return 0, err
		}
		result = Add(result, Mul(coeff, pt.Y))
	}
	return result, nil
}

// LagrangeCoefficient returns prod_{j != i} (x0 - x_j) / (x_i - x_j).
func LagrangeCoefficient(i int, xs []uint64, x0 uint64) (uint64, error) {
	result := uint64(1)
	for j, xj := range xs {
		if j == i {
			continue
		}
		term, err := Div(Sub(x0, xj), Sub(xs[i], xj))
		if err != nil {
			return 0, err
		}
		result = Mul(result, term)
	}
	return result, nil
}
