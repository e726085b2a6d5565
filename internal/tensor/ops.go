package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled adds alpha*src to dst element-wise.
func AddScaled(dst, src []float32, alpha float32) {
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

// Scale multiplies x by alpha in place.
func Scale(x []float32, alpha float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Relu applies max(0, x) in place.
func Relu(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax applies log(softmax(x)) to x in place using the max-subtraction
// trick for numerical stability.
func LogSoftmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		sum += math.Exp(float64(x[i] - maxv))
	}
	lse := maxv + float32(math.Log(sum))
	for i := range x {
		x[i] -= lse
	}
}

// Argmax returns the index of the largest value in x, or -1 for empty input.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// IsFinite reports whether every element of x is a finite number. The
// gradient scaler uses it to detect overflowed backward passes.
func IsFinite(x []float32) bool {
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
