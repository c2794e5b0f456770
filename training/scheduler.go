package training

import (
	"fmt"

	"github.com/b10902118/GeCo/checkpoints"
)

// LRScheduler adjusts optimizer learning rates once per epoch. The
// schedule position is part of the training state and survives a
// checkpoint round trip.
type LRScheduler interface {
	// StepEpoch advances the schedule by one epoch and applies any
	// rate change to the optimizer.
	StepEpoch(opt Optimizer)

	// State snapshots the schedule position for persistence.
	State() *checkpoints.SchedulerState

	// LoadState restores a previously snapshotted position.
	LoadState(state *checkpoints.SchedulerState) error

	// GetName identifies the scheduler type.
	GetName() string
}

// StepLR multiplies every learning rate by Gamma each time DropEvery
// epochs have elapsed.
type StepLR struct {
	DropEvery int
	Gamma     float64
	lastEpoch int
}

// NewStepLR creates a step decay schedule.
func NewStepLR(dropEvery int, gamma float64) (*StepLR, error) {
	if dropEvery <= 0 {
		return nil, fmt.Errorf("drop interval must be positive, got %d", dropEvery)
	}
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %g", gamma)
	}
	return &StepLR{DropEvery: dropEvery, Gamma: gamma}, nil
}

// StepEpoch advances one epoch and decays the rates when the epoch
// count hits a multiple of DropEvery.
func (s *StepLR) StepEpoch(opt Optimizer) {
	s.lastEpoch++
	if s.lastEpoch%s.DropEvery == 0 {
		opt.ScaleLRs(s.Gamma)
	}
}

// LastEpoch reports how many epochs the schedule has seen.
func (s *StepLR) LastEpoch() int {
	return s.lastEpoch
}

// State snapshots the schedule position.
func (s *StepLR) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{Name: s.GetName(), LastEpoch: s.lastEpoch}
}

// LoadState restores a snapshot produced by State.
func (s *StepLR) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("nil scheduler state")
	}
	if state.Name != s.GetName() {
		return fmt.Errorf("scheduler state is for %q, want %q", state.Name, s.GetName())
	}
	if state.LastEpoch < 0 {
		return fmt.Errorf("scheduler state has negative epoch %d", state.LastEpoch)
	}
	s.lastEpoch = state.LastEpoch
	return nil
}

// GetName returns "StepLR".
func (s *StepLR) GetName() string {
	return "StepLR"
}
