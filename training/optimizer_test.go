package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b10902118/GeCo/tensor"
)

func singleParamGroups(t *testing.T, value float32, lr float64) ([]ParameterGroup, *tensor.Tensor) {
	t.Helper()
	p, err := tensor.New([]int{1}, []float32{value})
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	return []ParameterGroup{{Name: "head", Params: []*tensor.Tensor{p}, LR: lr}}, p
}

func TestAdamWFirstStepMatchesClosedForm(t *testing.T) {
	groups, p := singleParamGroups(t, 1.0, 0.1)
	opt, err := NewAdamW(groups, 0)
	require.NoError(t, err)

	require.NoError(t, p.AccumulateGrad([]float32{0.5}))
	require.NoError(t, opt.Step())

	// After one step with zero weight decay, mHat equals the gradient
	// and vHat equals its square, so the update is lr*g/(|g|+eps).
	want := 1.0 - 0.1*0.5/(0.5+1e-8)
	require.InDelta(t, want, float64(p.Data[0]), 1e-6)
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	groups, p := singleParamGroups(t, 2.0, 0.1)
	opt, err := NewAdamW(groups, 0.5)
	require.NoError(t, err)

	// Zero gradient: only the decay term moves the parameter.
	require.NoError(t, p.AccumulateGrad([]float32{0}))
	require.NoError(t, opt.Step())

	want := 2.0 * (1 - 0.1*0.5)
	require.InDelta(t, want, float64(p.Data[0]), 1e-6)
}

func TestAdamWSkipsParamsWithoutGradients(t *testing.T) {
	groups, p := singleParamGroups(t, 3.0, 0.1)
	opt, err := NewAdamW(groups, 0.5)
	require.NoError(t, err)

	require.NoError(t, opt.Step())
	require.Equal(t, float32(3.0), p.Data[0])
}

func TestAdamWPerGroupLearningRates(t *testing.T) {
	backbone, err := tensor.New([]int{1}, []float32{1})
	require.NoError(t, err)
	head, err := tensor.New([]int{1}, []float32{1})
	require.NoError(t, err)
	backbone.SetRequiresGrad(true)
	head.SetRequiresGrad(true)

	opt, err := NewAdamW([]ParameterGroup{
		{Name: "backbone", Params: []*tensor.Tensor{backbone}, LR: 1e-5},
		{Name: "head", Params: []*tensor.Tensor{head}, LR: 1e-4},
	}, 0)
	require.NoError(t, err)

	require.NoError(t, backbone.AccumulateGrad([]float32{1}))
	require.NoError(t, head.AccumulateGrad([]float32{1}))
	require.NoError(t, opt.Step())

	backboneDelta := 1 - float64(backbone.Data[0])
	headDelta := 1 - float64(head.Data[0])
	require.InDelta(t, 10.0, headDelta/backboneDelta, 1e-3)

	lrs := opt.GroupLRs()
	require.Equal(t, 1e-5, lrs["backbone"])
	require.Equal(t, 1e-4, lrs["head"])

	opt.ScaleLRs(0.25)
	lrs = opt.GroupLRs()
	require.InDelta(t, 2.5e-6, lrs["backbone"], 1e-12)
	require.InDelta(t, 2.5e-5, lrs["head"], 1e-12)
}

func TestAdamWStateRoundTripIsBitIdentical(t *testing.T) {
	build := func() (*AdamW, *tensor.Tensor) {
		groups, p := singleParamGroups(t, 1.5, 0.05)
		opt, err := NewAdamW(groups, 0.01)
		require.NoError(t, err)
		return opt, p
	}

	// Drive one optimizer for a few steps, snapshot, then restore the
	// snapshot into a fresh optimizer and compare the next update.
	optA, pA := build()
	grads := []float32{0.3, -0.2, 0.7}
	for _, g := range grads {
		pA.ZeroGrad()
		require.NoError(t, pA.AccumulateGrad([]float32{g}))
		require.NoError(t, optA.Step())
	}
	state := optA.StateData()
	require.Equal(t, int64(3), state.Step)

	optB, pB := build()
	pB.Data[0] = pA.Data[0]
	require.NoError(t, optB.LoadStateData(state))

	pA.ZeroGrad()
	pB.ZeroGrad()
	require.NoError(t, pA.AccumulateGrad([]float32{0.11}))
	require.NoError(t, pB.AccumulateGrad([]float32{0.11}))
	require.NoError(t, optA.Step())
	require.NoError(t, optB.Step())

	require.Equal(t, pA.Data[0], pB.Data[0])
	require.False(t, math.IsNaN(float64(pA.Data[0])))
}

func TestAdamWLoadStateMismatchIsFatal(t *testing.T) {
	groups, _ := singleParamGroups(t, 1.0, 0.1)
	opt, err := NewAdamW(groups, 0)
	require.NoError(t, err)

	state := opt.StateData()
	state.Moments[0].First = []float32{1, 2}
	require.Error(t, opt.LoadStateData(state))

	state = opt.StateData()
	state.Type = "SGD"
	require.Error(t, opt.LoadStateData(state))

	state = opt.StateData()
	delete(state.GroupLRs, "head")
	require.Error(t, opt.LoadStateData(state))

	require.Error(t, opt.LoadStateData(nil))
}
