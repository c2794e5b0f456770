package model

import (
	"fmt"

	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/tensor"
)

// TinyCounter is a deliberately small counting model with closed-form
// gradients. It exists so that the orchestration loop, the optimizer, and
// checkpoint resume can be exercised end to end without a real network:
// a one-weight "backbone" pools each image to a scalar feature, a
// one-weight head spreads that feature over the output grid, and a third
// weight emits a constant offset map.
//
//	density[b][y][x] = wHead * wBackbone * mean(img[b])
//	offsets[b][y][x][k] = wOffset
type TinyCounter struct {
	wBackbone *tensor.Tensor
	wHead     *tensor.Tensor
	wOffset   *tensor.Tensor

	outH, outW int
	training   bool

	// saved by Forward for the backward pass
	lastMeans []float32
}

// NewTinyCounter creates the model with an output grid of outH x outW.
func NewTinyCounter(outH, outW int) *TinyCounter {
	m := &TinyCounter{
		wBackbone: tensor.FromScalar(1),
		wHead:     tensor.FromScalar(1),
		wOffset:   tensor.FromScalar(0.1),
		outH:      outH,
		outW:      outW,
		training:  true,
	}
	m.wBackbone.SetRequiresGrad(true)
	m.wHead.SetRequiresGrad(true)
	m.wOffset.SetRequiresGrad(true)
	return m
}

// Forward expects img of shape [batch, ...]; everything after the batch
// dimension is pooled to a per-sample mean.
func (m *TinyCounter) Forward(img *tensor.Tensor, exemplars [][]boxes.Box) (Output, error) {
	if len(img.Shape) < 2 {
		return Output{}, fmt.Errorf("image tensor must have a batch dimension, got shape %v", img.Shape)
	}
	batch := img.Shape[0]
	per := img.NumElems() / batch

	means, err := tensor.SumPerSample(img)
	if err != nil {
		return Output{}, err
	}
	m.lastMeans = make([]float32, batch)
	for i, s := range means {
		m.lastMeans[i] = float32(s / float64(per))
	}

	wb := m.wBackbone.Data[0]
	wh := m.wHead.Data[0]
	wo := m.wOffset.Data[0]

	density := tensor.Zeros([]int{batch, m.outH, m.outW})
	cells := m.outH * m.outW
	for b := 0; b < batch; b++ {
		v := wh * wb * m.lastMeans[b]
		for c := 0; c < cells; c++ {
			density.Data[b*cells+c] = v
		}
	}

	offsets := tensor.Zeros([]int{batch, m.outH, m.outW, 4})
	for i := range offsets.Data {
		offsets.Data[i] = wo
	}

	return Output{Density: density, Offsets: offsets}, nil
}

// Backward accumulates analytic gradients for the saved forward pass.
func (m *TinyCounter) Backward(dDensity, dOffsets *tensor.Tensor) error {
	if m.lastMeans == nil {
		return fmt.Errorf("backward called before forward")
	}
	batch := len(m.lastMeans)
	cells := m.outH * m.outW

	wb := m.wBackbone.Data[0]
	wh := m.wHead.Data[0]

	var gHead, gBackbone float32
	if dDensity != nil {
		if dDensity.NumElems() != batch*cells {
			return fmt.Errorf("density gradient has %d elements, expected %d", dDensity.NumElems(), batch*cells)
		}
		for b := 0; b < batch; b++ {
			mean := m.lastMeans[b]
			for c := 0; c < cells; c++ {
				g := dDensity.Data[b*cells+c]
				gHead += g * wb * mean
				gBackbone += g * wh * mean
			}
		}
	}

	var gOffset float32
	if dOffsets != nil {
		for _, g := range dOffsets.Data {
			gOffset += g
		}
	}

	if err := m.wHead.AccumulateGrad([]float32{gHead}); err != nil {
		return err
	}
	if err := m.wBackbone.AccumulateGrad([]float32{gBackbone}); err != nil {
		return err
	}
	return m.wOffset.AccumulateGrad([]float32{gOffset})
}

// Parameters returns all three weights.
func (m *TinyCounter) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.wBackbone, m.wHead, m.wOffset}
}

// ParameterGroups declares the backbone/head partition.
func (m *TinyCounter) ParameterGroups() map[string][]*tensor.Tensor {
	return map[string][]*tensor.Tensor{
		GroupBackbone: {m.wBackbone},
		GroupHead:     {m.wHead, m.wOffset},
	}
}

// Train sets training mode.
func (m *TinyCounter) Train() { m.training = true }

// Eval sets evaluation mode.
func (m *TinyCounter) Eval() { m.training = false }

// IsTraining reports the current mode.
func (m *TinyCounter) IsTraining() bool { return m.training }
