package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/b10902118/GeCo/checkpoints"
	"github.com/b10902118/GeCo/tensor"
)

// Optimizer updates model parameters from their accumulated gradients.
// Implementations carry per-group learning rates and expose their full
// state for checkpointing so a resumed run continues bit-for-bit.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GroupLRs returns the current learning rate of each group by name.
	GroupLRs() map[string]float64

	// ScaleLRs multiplies every group learning rate by factor.
	ScaleLRs(factor float64)

	// StateData snapshots the optimizer state for persistence.
	StateData() *checkpoints.OptimizerState

	// LoadStateData restores a previously snapshotted state.
	LoadStateData(state *checkpoints.OptimizerState) error
}

// AdamW implements Adam with decoupled weight decay over named
// parameter groups. Each group keeps its own learning rate while the
// moment estimates, betas, epsilon, and weight decay are shared.
type AdamW struct {
	mu sync.Mutex

	groups      []ParameterGroup
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	step   int64
	params []*tensor.Tensor // flattened in group order, fixes state naming
	m      map[*tensor.Tensor][]float32
	v      map[*tensor.Tensor][]float32
}

// NewAdamW creates an AdamW optimizer over the given groups with the
// standard betas (0.9, 0.999) and epsilon 1e-8.
func NewAdamW(groups []ParameterGroup, weightDecay float64) (*AdamW, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one parameter group")
	}
	if weightDecay < 0 {
		return nil, fmt.Errorf("weight decay must not be negative, got %g", weightDecay)
	}
	opt := &AdamW{
		groups:      groups,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}
	for _, g := range groups {
		if g.LR <= 0 {
			return nil, fmt.Errorf("group %q has non-positive learning rate %g", g.Name, g.LR)
		}
		for _, p := range g.Params {
			opt.params = append(opt.params, p)
			opt.m[p] = make([]float32, p.NumElems())
			opt.v[p] = make([]float32, p.NumElems())
		}
	}
	return opt, nil
}

// Step applies one AdamW update. Parameters whose gradient has never
// been accumulated are skipped.
func (o *AdamW) Step() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for gi := range o.groups {
		g := &o.groups[gi]
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			m := o.m[p]
			v := o.v[p]
			for i := range p.Data {
				gv := float64(grad[i])
				// Decoupled weight decay acts on the parameter directly,
				// outside the adaptive moment machinery.
				p.Data[i] -= float32(g.LR * o.weightDecay * float64(p.Data[i]))

				m[i] = float32(o.beta1*float64(m[i]) + (1-o.beta1)*gv)
				v[i] = float32(o.beta2*float64(v[i]) + (1-o.beta2)*gv*gv)
				mHat := float64(m[i]) / bc1
				vHat := float64(v[i]) / bc2
				p.Data[i] -= float32(g.LR * mHat / (math.Sqrt(vHat) + o.epsilon))
			}
		}
	}
	return nil
}

// ZeroGrad clears the gradient of every managed parameter.
func (o *AdamW) ZeroGrad() {
	o.mu.Lock()
	defer o.mu.Unlock()
	tensor.ZeroGradAll(o.params)
}

// GroupLRs returns the current learning rate of each group.
func (o *AdamW) GroupLRs() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	lrs := make(map[string]float64, len(o.groups))
	for _, g := range o.groups {
		lrs[g.Name] = g.LR
	}
	return lrs
}

// ScaleLRs multiplies every group learning rate by factor.
func (o *AdamW) ScaleLRs(factor float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.groups {
		o.groups[i].LR *= factor
	}
}

// StateData snapshots step count, group learning rates, and both moment
// estimates. Moments are deep-copied in flattened parameter order.
func (o *AdamW) StateData() *checkpoints.OptimizerState {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := &checkpoints.OptimizerState{
		Type:     "AdamW",
		Step:     o.step,
		GroupLRs: make(map[string]float64, len(o.groups)),
		Moments:  make([]checkpoints.MomentTensor, 0, len(o.params)),
	}
	for _, g := range o.groups {
		state.GroupLRs[g.Name] = g.LR
	}
	for i, p := range o.params {
		first := make([]float32, len(o.m[p]))
		second := make([]float32, len(o.v[p]))
		copy(first, o.m[p])
		copy(second, o.v[p])
		state.Moments = append(state.Moments, checkpoints.MomentTensor{
			Name:   fmt.Sprintf("param_%d", i),
			First:  first,
			Second: second,
		})
	}
	return state
}

// LoadStateData restores a snapshot produced by StateData. A mismatch
// between the snapshot and the optimizer layout is fatal.
func (o *AdamW) LoadStateData(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != "AdamW" {
		return fmt.Errorf("optimizer state type %q, want AdamW", state.Type)
	}
	if len(state.Moments) != len(o.params) {
		return fmt.Errorf("state has %d moment tensors, optimizer manages %d parameters",
			len(state.Moments), len(o.params))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for i, p := range o.params {
		mom := state.Moments[i]
		if len(mom.First) != p.NumElems() || len(mom.Second) != p.NumElems() {
			return fmt.Errorf("moment tensor %q has %d/%d elements, parameter has %d",
				mom.Name, len(mom.First), len(mom.Second), p.NumElems())
		}
	}
	for gi := range o.groups {
		g := &o.groups[gi]
		lr, ok := state.GroupLRs[g.Name]
		if !ok {
			return fmt.Errorf("state carries no learning rate for group %q", g.Name)
		}
		g.LR = lr
	}
	for i, p := range o.params {
		copy(o.m[p], state.Moments[i].First)
		copy(o.v[p], state.Moments[i].Second)
	}
	o.step = state.Step
	return nil
}
