package field

import (
	"errors"
	"math/rand"
)

// Modulus is the prime 2^31 - 1. Products of two reduced elements fit in a
// uint64, so all arithmetic stays in machine words.
const Modulus uint64 = 1<<31 - 1

var ErrDivideByZero = errors.New("field: divide by zero")

// Add returns a + b mod p.
func Add(a, b uint64) uint64 {
	return (a + b) % Modulus
}

// Sub returns a - b mod p.
func Sub(a, b uint64) uint64 {
	return (a + Modulus - b%Modulus) % Modulus
}

// Mul returns a * b mod p.
func Mul(a, b uint64) uint64 {
	return (a % Modulus) * (b % Modulus) % Modulus
}

// Neg returns -a mod p.
func Neg(a uint64) uint64 {
	return (Modulus - a%Modulus) % Modulus
}

// Inv returns the multiplicative inverse a^(p-2) mod p (Fermat).
func Inv(a uint64) (uint64, error) {
	a %= Modulus
	if a == 0 {
		return 0, ErrDivideByZero
	}
	result := uint64(1)
	base := a
	exp := Modulus - 2
	for exp > 0 {
		if exp&1 == 1 {
			result = Mul(result, base)
		}
		base = Mul(base, base)
		exp >>= 1
	}
	return result, nil
}

// Div returns a / b mod p.
func Div(a, b uint64) (uint64, error) {
	inv, err := Inv(b)
	if err != nil {
		return 0, err
	}
	return Mul(a, inv), nil
}

// Random returns a uniform element of [0, p) from the given source.
func Random(rng *rand.Rand) uint64 {
	return uint64(rng.Int63n(int64(Modulus)))
}

// Embed maps an arbitrary integer into [0, p).
func Embed(x uint64) uint64 {
	return x % Modulus
}

// IsValid reports whether x is a reduced field element.
func IsValid(x uint64) bool {
	return x < Modulus
}

// Pow returns base^exp mod p.
func Pow(base, exp uint64) uint64 {
	base %= Modulus
	result := uint64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result = Mul(result, base)
		}
		base = Mul(base, base)
		exp >>= 1
	}
	return result
}
