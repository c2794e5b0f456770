// Package model defines the contract between the training orchestrator and
// the counting-and-localization network. The orchestrator never inspects
// the architecture; it drives Forward/Backward and hands the parameters to
// the optimizer.
package model

import (
	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/tensor"
)

// Group names for the learning-rate partition. The model declares which of
// its parameters belong to which group; the optimizer builder never guesses
// from parameter names.
const (
	GroupBackbone = "backbone"
	GroupHead     = "head"
)

// Output is one forward pass. The trainer consumes Density (the predicted
// per-cell object count map, shape [batch, h, w]) and Offsets (per-cell box
// offsets, shape [batch, h, w, 4], in normalized units). Aux1 and Aux2 are
// intermediate heads some architectures expose; the trainer ignores them.
type Output struct {
	Aux1    *tensor.Tensor
	Aux2    *tensor.Tensor
	Density *tensor.Tensor
	Offsets *tensor.Tensor
}

// CountingModel is the trainable collaborator.
type CountingModel interface {
	// Forward runs the network on a batch image tensor and its exemplar
	// boxes.
	Forward(img *tensor.Tensor, exemplars [][]boxes.Box) (Output, error)

	// Backward propagates output gradients from the most recent Forward
	// call into the parameters' gradient buffers.
	Backward(dDensity, dOffsets *tensor.Tensor) error

	// Parameters returns every trainable parameter.
	Parameters() []*tensor.Tensor

	// ParameterGroups partitions Parameters() into named learning-rate
	// groups. The union of all groups must equal Parameters() exactly,
	// with no parameter in two groups.
	ParameterGroups() map[string][]*tensor.Tensor

	Train()
	Eval()
	IsTraining() bool
}
