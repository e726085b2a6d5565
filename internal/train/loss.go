package train

import "github.com/huixiancheng/spconv/internal/tensor"

// NLLLoss computes the mean negative log-likelihood of the correct classes
// from a batch of log-probabilities, and the gradient with respect to those
// log-probabilities. The loss is always accumulated in float64 and returned
// in full precision, regardless of the activation policy used in the forward
// pass.
func NLLLoss(logProbs *tensor.Mat, labels []int) (float32, *tensor.Mat) {
	n := len(labels)
	grad := tensor.NewMat(logProbs.R, logProbs.C)
	var sum float64
	for i, y := range labels {
		sum += float64(-logProbs.At(i, y))
		grad.Set(i, y, -1/float32(n))
	}
	return float32(sum / float64(n)), grad
}

// NLLSum is the sum-reduction variant used for whole-split evaluation.
func NLLSum(logProbs *tensor.Mat, labels []int) float64 {
	var sum float64
	for i, y := range labels {
		sum += float64(-logProbs.At(i, y))
	}
	return sum
}
