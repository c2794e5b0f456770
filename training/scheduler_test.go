package training

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepLRDecaysAtMultiples(t *testing.T) {
	groups, _ := singleParamGroups(t, 1.0, 1e-4)
	opt, err := NewAdamW(groups, 0)
	require.NoError(t, err)

	sched, err := NewStepLR(3, 0.25)
	require.NoError(t, err)

	wantLR := func(want float64) {
		t.Helper()
		require.InDelta(t, want, opt.GroupLRs()["head"], 1e-15)
	}

	sched.StepEpoch(opt)
	sched.StepEpoch(opt)
	wantLR(1e-4)
	sched.StepEpoch(opt) // epoch 3: first drop
	wantLR(2.5e-5)
	sched.StepEpoch(opt)
	sched.StepEpoch(opt)
	wantLR(2.5e-5)
	sched.StepEpoch(opt) // epoch 6: second drop
	wantLR(6.25e-6)
	require.Equal(t, 6, sched.LastEpoch())
}

func TestStepLRStateRoundTrip(t *testing.T) {
	groups, _ := singleParamGroups(t, 1.0, 1e-4)
	opt, err := NewAdamW(groups, 0)
	require.NoError(t, err)

	sched, err := NewStepLR(10, 0.5)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		sched.StepEpoch(opt)
	}

	state := sched.State()
	require.Equal(t, "StepLR", state.Name)
	require.Equal(t, 7, state.LastEpoch)

	restored, err := NewStepLR(10, 0.5)
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))

	// Three more epochs reach the drop boundary exactly where the
	// original schedule would.
	for i := 0; i < 3; i++ {
		restored.StepEpoch(opt)
	}
	require.Equal(t, 10, restored.LastEpoch())
	require.InDelta(t, 5e-5, opt.GroupLRs()["head"], 1e-15)
}

func TestStepLRRejectsBadStates(t *testing.T) {
	sched, err := NewStepLR(5, 0.1)
	require.NoError(t, err)

	require.Error(t, sched.LoadState(nil))

	state := sched.State()
	state.Name = "CosineAnnealing"
	require.Error(t, sched.LoadState(state))

	state = sched.State()
	state.LastEpoch = -1
	require.Error(t, sched.LoadState(state))
}

func TestNewStepLRValidation(t *testing.T) {
	cases := []struct {
		name  string
		drop  int
		gamma float64
	}{
		{"zero interval", 0, 0.5},
		{"negative interval", -1, 0.5},
		{"zero gamma", 5, 0},
		{"gamma above one", 5, 1.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStepLR(tc.drop, tc.gamma); err == nil {
				t.Errorf("NewStepLR(%d, %g) accepted invalid arguments", tc.drop, tc.gamma)
			}
		})
	}
}
