package tensor

import (
	"fmt"
)

// Tensor is a dense float32 tensor kept in host memory. The training
// orchestrator only ever needs density maps, box offset maps and flat
// parameter vectors, so there is no dtype or device dimension here.
type Tensor struct {
	Shape []int
	Data  []float32

	grad         []float32
	requiresGrad bool
}

// New creates a tensor with the given shape backed by data. The data slice
// is owned by the tensor after the call.
func New(shape []int, data []float32) (*Tensor, error) {
	n := NumElements(shape)
	if n != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape []int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// FromScalar creates a rank-0 tensor holding a single value.
func FromScalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float32{v}}
}

// NumElements returns the element count implied by a shape.
func NumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// NumElems returns the number of elements in the tensor.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Clone returns a deep copy of the tensor data. Gradient state is not
// copied.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// SetData overwrites the tensor's values in place.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length mismatch: tensor has %d elements, got %d", len(t.Data), len(data))
	}
	copy(t.Data, data)
	return nil
}

// SetRequiresGrad marks the tensor as trainable. Gradient storage is
// allocated lazily on the first accumulation.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if !requires {
		t.grad = nil
	}
}

// RequiresGrad reports whether the tensor participates in training.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// Grad returns the accumulated gradient, or nil if none has been recorded.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// AccumulateGrad adds g into the tensor's gradient buffer.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	if len(g) != len(t.Data) {
		return fmt.Errorf("gradient length mismatch: tensor has %d elements, got %d", len(t.Data), len(g))
	}
	if t.grad == nil {
		t.grad = make([]float32, len(t.Data))
	}
	for i, v := range g {
		t.grad[i] += v
	}
	return nil
}

// ZeroGrad clears the gradient buffer of a single tensor.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// ZeroGradAll clears the gradients of every tensor in params.
func ZeroGradAll(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return false
		}
	}
	return true
}
