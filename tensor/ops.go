package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out, nil
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] -= v
	}
	return out, nil
}

// Mul returns a * b element-wise.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] *= v
	}
	return out, nil
}

// Scale returns t * s element-wise.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// Sum returns the sum of all elements.
func Sum(t *Tensor) float64 {
	return sum64(t.Data)
}

// SumPerSample treats the leading dimension as the batch dimension, sums
// the remaining dimensions per sample, and returns one total per sample.
func SumPerSample(t *Tensor) ([]float64, error) {
	if len(t.Shape) < 1 {
		return nil, fmt.Errorf("per-sample sum requires at least 1 dimension, got shape %v", t.Shape)
	}
	batch := t.Shape[0]
	if batch == 0 {
		return nil, nil
	}
	per := len(t.Data) / batch
	sums := make([]float64, batch)
	for i := 0; i < batch; i++ {
		sums[i] = sum64(t.Data[i*per : (i+1)*per])
	}
	return sums, nil
}

// L2Norm returns the Euclidean norm of the values.
func L2Norm(values []float32) float64 {
	v64 := make([]float64, len(values))
	for i, v := range values {
		v64[i] = float64(v)
	}
	return floats.Norm(v64, 2)
}

// AbsDiffSum returns the sum over samples of |sum(a_i) - sum(b_i)| where
// a_i, b_i are the per-sample slices of a and b. Used for count error.
func AbsDiffSum(a, b *Tensor) (float64, error) {
	sa, err := SumPerSample(a)
	if err != nil {
		return 0, err
	}
	sb, err := SumPerSample(b)
	if err != nil {
		return 0, err
	}
	if len(sa) != len(sb) {
		return 0, fmt.Errorf("batch size mismatch: %d vs %d", len(sa), len(sb))
	}
	total := 0.0
	for i := range sa {
		total += math.Abs(sa[i] - sb[i])
	}
	return total, nil
}

// SquaredDiffSum is AbsDiffSum with squared per-sample differences.
func SquaredDiffSum(a, b *Tensor) (float64, error) {
	sa, err := SumPerSample(a)
	if err != nil {
		return 0, err
	}
	sb, err := SumPerSample(b)
	if err != nil {
		return 0, err
	}
	if len(sa) != len(sb) {
		return 0, fmt.Errorf("batch size mismatch: %d vs %d", len(sa), len(sb))
	}
	total := 0.0
	for i := range sa {
		d := sa[i] - sb[i]
		total += d * d
	}
	return total, nil
}

func sum64(values []float32) float64 {
	v64 := make([]float64, len(values))
	for i, v := range values {
		v64[i] = float64(v)
	}
	return floats.Sum(v64)
}
