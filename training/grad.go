package training

import (
	"math"

	"github.com/b10902118/GeCo/tensor"
)

// ClipGradNorm rescales the gradients of params so their global L2 norm
// does not exceed maxNorm, and returns the norm measured before
// clipping. A maxNorm of zero or below disables clipping entirely.
// Parameters without an accumulated gradient are ignored.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		n := tensor.L2Norm(grad)
		sumSq += n * n
	}
	total := math.Sqrt(sumSq)

	if maxNorm <= 0 || total <= maxNorm {
		return total
	}

	scale := float32(maxNorm / total)
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		for i := range grad {
			grad[i] *= scale
		}
	}
	return total
}
