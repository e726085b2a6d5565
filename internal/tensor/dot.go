package tensor

import "github.com/klauspost/cpuid/v2"

// Dot computes the dot product of a and b. On CPUs with wide vector units the
// 4-way accumulator variant is selected at init; the compiler keeps the four
// independent chains in registers and the bounds checks hoisted.
var Dot func(a, b []float32) float32

func init() {
	if cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.ASIMD) {
		Dot = dotUnrolled
	} else {
		Dot = dotScalar
	}
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
