package ml

import (
	"math"
	"math/rand/v2"
)

// Initializer produces the initial values of a parameter.
type Initializer func(r *rand.Rand, shape ...int) []float32

func Zeros() Initializer {
	return Constant(0)
}

func Ones() Initializer {
	return Constant(1)
}

func Constant(v float32) Initializer {
	return func(_ *rand.Rand, shape ...int) []float32 {
		s := make([]float32, mul(shape...))
		for i := range s {
			s[i] = v
		}
		return s
	}
}

func RandomNormal(mean, stddev float64) Initializer {
	return func(r *rand.Rand, shape ...int) []float32 {
		s := make([]float32, mul(shape...))
		for i := range s {
			s[i] = float32(mean + stddev*r.NormFloat64())
		}
		return s
	}
}

// GlorotUniform draws from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
// The first dimension is fan in, the product of the rest is fan out.
func GlorotUniform() Initializer {
	return func(r *rand.Rand, shape ...int) []float32 {
		fanIn, fanOut := shape[0], 1
		if len(shape) > 1 {
			fanOut = mul(shape[1:]...)
		}

		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		s := make([]float32, mul(shape...))
		for i := range s {
			s[i] = float32((2*r.Float64() - 1) * limit)
		}
		return s
	}
}
