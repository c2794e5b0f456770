package training

import (
	"fmt"

	"github.com/b10902118/GeCo/dist"
	"github.com/b10902118/GeCo/tensor"
)

// EpochMetrics accumulates per-batch loss and count-error sums for one
// phase of one epoch, then folds the local sums into global sums with
// one collective reduction per tracked scalar. Finalize may run once;
// a second call is an error because the collective has already fired.
type EpochMetrics struct {
	group        *dist.Group
	trackSquared bool

	lossSum   float64
	absErrSum float64
	sqErrSum  float64
	finalized bool
}

// MetricSums holds globally reduced sums. SqErr is only meaningful when
// squared error tracking was enabled.
type MetricSums struct {
	Loss   float64
	AbsErr float64
	SqErr  float64
}

// NewEpochMetrics creates an aggregator. trackSquared enables the
// squared-error scalar used for validation RMSE; leaving it off keeps
// the reduction count at two, so both phases of an epoch together issue
// a fixed, rank-independent sequence of collectives.
func NewEpochMetrics(group *dist.Group, trackSquared bool) *EpochMetrics {
	return &EpochMetrics{group: group, trackSquared: trackSquared}
}

// Accumulate folds in one batch: the batch loss weighted by batch size,
// and the per-sample count errors between predicted and target density
// maps.
func (m *EpochMetrics) Accumulate(batchLoss float64, batchSize int, pred, target *tensor.Tensor) error {
	if m.finalized {
		return fmt.Errorf("metrics already finalized")
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	ae, err := tensor.AbsDiffSum(pred, target)
	if err != nil {
		return fmt.Errorf("accumulating absolute error: %v", err)
	}
	m.lossSum += batchLoss * float64(batchSize)
	m.absErrSum += ae
	if m.trackSquared {
		se, err := tensor.SquaredDiffSum(pred, target)
		if err != nil {
			return fmt.Errorf("accumulating squared error: %v", err)
		}
		m.sqErrSum += se
	}
	return nil
}

// Finalize reduces the local sums across all processes and returns the
// global sums. Every rank must call Finalize; the reduction blocks
// until the whole world arrives.
func (m *EpochMetrics) Finalize() (MetricSums, error) {
	if m.finalized {
		return MetricSums{}, fmt.Errorf("metrics already finalized")
	}
	m.finalized = true

	loss, err := m.group.AllReduceScalar(m.lossSum)
	if err != nil {
		return MetricSums{}, fmt.Errorf("reducing loss sum: %v", err)
	}
	absErr, err := m.group.AllReduceScalar(m.absErrSum)
	if err != nil {
		return MetricSums{}, fmt.Errorf("reducing absolute error sum: %v", err)
	}
	sums := MetricSums{Loss: loss, AbsErr: absErr}
	if m.trackSquared {
		sqErr, err := m.group.AllReduceScalar(m.sqErrSum)
		if err != nil {
			return MetricSums{}, fmt.Errorf("reducing squared error sum: %v", err)
		}
		sums.SqErr = sqErr
	}
	return sums, nil
}
