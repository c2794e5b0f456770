// Package training orchestrates the distributed pretraining loop of the
// counting model: sharded data loading, the combined counting and
// detection objective normalized by the globally reduced object count,
// AdamW updates with per-group learning rates, epoch metric reduction,
// and rank-0 checkpointing.
package training

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/checkpoints"
	"github.com/b10902118/GeCo/dist"
	"github.com/b10902118/GeCo/model"
	"github.com/b10902118/GeCo/tensor"
)

// canonicalSize is the image-plane side length the detection head is
// calibrated to. Offsets leave the model in normalized units and are
// scaled onto this plane; ground-truth boxes are resized to match.
const canonicalSize = 512

// Losses bundles the two objectives the trainer combines.
type Losses struct {
	Counting  CountingLoss
	Detection DetectionLoss
}

// Loaders bundles the two data streams of an epoch.
type Loaders struct {
	Train *DataLoader
	Val   *DataLoader
}

// EpochSummary is the rank-0 result of one epoch. Loss and error values
// are normalized by the respective dataset length.
type EpochSummary struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	TrainMAE  float64
	ValMAE    float64
	ValRMSE   float64
	Seconds   float64
	Best      bool
}

// Trainer runs the pretraining loop. Every process executes the same
// batch and collective sequence; only rank 0 prints, tracks the best
// metric, and writes checkpoints.
type Trainer struct {
	cfg       JobConfig
	group     *dist.Group
	model     model.CountingModel
	optimizer Optimizer
	scheduler LRScheduler
	losses    Losses
	loaders   Loaders
	saver     *checkpoints.Saver
	logger    *zap.Logger

	startEpoch int
	best       float64
	summaries  []EpochSummary
	onEpoch    func(EpochSummary)
}

// NewTrainer wires up a trainer. All collaborators are required except
// the saver, which may be nil on processes that never persist.
func NewTrainer(cfg JobConfig, group *dist.Group, m model.CountingModel, opt Optimizer,
	sched LRScheduler, losses Losses, loaders Loaders, saver *checkpoints.Saver,
	logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	if group == nil || m == nil || opt == nil || sched == nil {
		return nil, fmt.Errorf("trainer requires a process group, model, optimizer, and scheduler")
	}
	if losses.Counting == nil || losses.Detection == nil {
		return nil, fmt.Errorf("trainer requires both loss functions")
	}
	if loaders.Train == nil || loaders.Val == nil {
		return nil, fmt.Errorf("trainer requires both data loaders")
	}
	if group.IsLeader() && saver == nil {
		return nil, fmt.Errorf("rank 0 requires a checkpoint saver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		cfg:       cfg,
		group:     group,
		model:     m,
		optimizer: opt,
		scheduler: sched,
		losses:    losses,
		loaders:   loaders,
		saver:     saver,
		logger:    logger,
		best:      math.Inf(1),
	}, nil
}

// SetEpochHook registers a callback invoked on rank 0 after each epoch.
func (t *Trainer) SetEpochHook(hook func(EpochSummary)) {
	t.onEpoch = hook
}

// Summaries returns the per-epoch results gathered so far on rank 0.
func (t *Trainer) Summaries() []EpochSummary {
	return t.summaries
}

// BestValRMSE returns the best validation RMSE seen so far.
func (t *Trainer) BestValRMSE() float64 {
	return t.best
}

// Resume restores the latest checkpoint into the model, optimizer, and
// scheduler, and positions the epoch loop after the saved epoch. Every
// process reads the artifact once at startup; parameter state is
// replicated by loading, never broadcast. Writes stay rank-0-only.
func (t *Trainer) Resume() error {
	path := checkpoints.NewSaver(t.cfg.CheckpointDir, t.cfg.ModelName).Path(checkpoints.KindLatest)
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return fmt.Errorf("resuming from %s: %v", path, err)
	}
	if err := checkpoints.LoadWeightsIntoParameters(ckpt.Weights, t.model.Parameters()); err != nil {
		return fmt.Errorf("restoring weights: %v", err)
	}
	if ckpt.OptimizerState != nil {
		if err := t.optimizer.LoadStateData(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("restoring optimizer: %v", err)
		}
	}
	if ckpt.SchedulerState != nil {
		if err := t.scheduler.LoadState(ckpt.SchedulerState); err != nil {
			return fmt.Errorf("restoring scheduler: %v", err)
		}
	}
	t.startEpoch = ckpt.Epoch
	t.best = ckpt.BestValRMSE
	t.logger.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_rmse", ckpt.BestValRMSE))
	return nil
}

// Train runs epochs startEpoch+1 through cfg.Epochs. With zero epochs
// configured the loop body never executes and no state changes.
func (t *Trainer) Train() error {
	for epoch := t.startEpoch + 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := t.runEpoch(epoch); err != nil {
			return fmt.Errorf("epoch %d: %v", epoch, err)
		}
	}
	return nil
}

func (t *Trainer) runEpoch(epoch int) error {
	start := time.Now()
	t.logger.Debug("starting epoch", zap.Int("epoch", epoch), zap.Int("rank", t.group.Rank()))

	trainMetrics := NewEpochMetrics(t.group, false)
	valMetrics := NewEpochMetrics(t.group, true)

	t.model.Train()
	t.loaders.Train.Reset(epoch)
	for {
		batch, err := t.loaders.Train.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if err := t.trainStep(batch, trainMetrics); err != nil {
			return err
		}
	}

	t.model.Eval()
	t.loaders.Val.Reset(epoch)
	for {
		batch, err := t.loaders.Val.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if err := t.valStep(batch, valMetrics); err != nil {
			return err
		}
	}

	trainSums, err := trainMetrics.Finalize()
	if err != nil {
		return err
	}
	valSums, err := valMetrics.Finalize()
	if err != nil {
		return err
	}

	t.scheduler.StepEpoch(t.optimizer)

	if !t.group.IsLeader() {
		return nil
	}
	return t.finishEpoch(epoch, trainSums, valSums, time.Since(start).Seconds())
}

// step runs one forward/backward pass and returns the scalar losses and
// the offset gradient, shared by training and validation. The per-batch
// object-count reduction happens here, before the count is used as a
// denominator, so every process normalizes by the same global value.
func (t *Trainer) step(batch *Batch) (mainLoss, detLoss float64, out model.Output, dDensity, dOffsets *tensor.Tensor, err error) {
	out, err = t.model.Forward(batch.Images, batch.Exemplars)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("forward: %v", err)
	}

	offsets := tensor.Scale(out.Offsets, canonicalSize)
	locations, err := boxes.ComputeLocation(offsets)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, err
	}
	targets := boxes.NewBoxList(batch.GTBoxes, t.cfg.ImageSize).Resize(canonicalSize, canonicalSize)

	localCount := tensor.Sum(batch.Density)
	globalCount, err := t.group.AllReduceScalar(localCount)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("reducing object count: %v", err)
	}
	if globalCount <= 0 {
		// An all-background step still needs a finite loss surface.
		globalCount = 1
	}

	mainLoss, err = t.losses.Counting.Forward(out.Density, batch.Density, globalCount)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("counting loss: %v", err)
	}
	detSum, err := t.losses.Detection.Forward(locations, offsets, targets)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("detection loss: %v", err)
	}
	detLoss = detSum / globalCount

	dDensity, err = t.losses.Counting.Backward(out.Density, batch.Density, globalCount)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("counting gradient: %v", err)
	}
	dOffsetsScaled, err := t.losses.Detection.Backward(locations, offsets, targets)
	if err != nil {
		return 0, 0, model.Output{}, nil, nil, fmt.Errorf("detection gradient: %v", err)
	}
	// Chain rule through the canonical-plane scaling and the count
	// normalization, back to the model's raw offsets.
	dOffsets = tensor.Scale(dOffsetsScaled, float32(canonicalSize/globalCount))
	return mainLoss, detLoss, out, dDensity, dOffsets, nil
}

func (t *Trainer) trainStep(batch *Batch, metrics *EpochMetrics) error {
	t.optimizer.ZeroGrad()

	mainLoss, _, out, dDensity, dOffsets, err := t.step(batch)
	if err != nil {
		return err
	}
	if err := t.model.Backward(dDensity, dOffsets); err != nil {
		return fmt.Errorf("backward: %v", err)
	}
	if err := t.syncGradients(); err != nil {
		return err
	}
	ClipGradNorm(t.model.Parameters(), t.cfg.MaxGradNorm)
	if err := t.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step: %v", err)
	}

	return metrics.Accumulate(mainLoss, batch.Size, out.Density, batch.Density)
}

// syncGradients averages every parameter gradient across the world in
// one fused collective, so all replicas step identically. Parameters
// without an accumulated gradient contribute zeros; the flattened
// layout is fixed by parameter order and identical on every rank.
func (t *Trainer) syncGradients() error {
	if t.group.WorldSize() == 1 {
		return nil
	}
	params := t.model.Parameters()
	var total int
	for _, p := range params {
		total += p.NumElems()
	}
	flat := make([]float64, total)
	pos := 0
	for _, p := range params {
		if grad := p.Grad(); grad != nil {
			for i, g := range grad {
				flat[pos+i] = float64(g)
			}
		}
		pos += p.NumElems()
	}
	if err := t.group.AllReduce(flat); err != nil {
		return fmt.Errorf("reducing gradients: %v", err)
	}
	world := float64(t.group.WorldSize())
	pos = 0
	for _, p := range params {
		n := p.NumElems()
		p.ZeroGrad()
		avg := make([]float32, n)
		for i := 0; i < n; i++ {
			avg[i] = float32(flat[pos+i] / world)
		}
		if err := p.AccumulateGrad(avg); err != nil {
			return fmt.Errorf("writing averaged gradient: %v", err)
		}
		pos += n
	}
	return nil
}

// valStep scores a batch without touching any parameter or optimizer
// state. The loss uses the same global-count normalization as training
// so the two phases report comparable numbers.
func (t *Trainer) valStep(batch *Batch, metrics *EpochMetrics) error {
	mainLoss, detLoss, out, _, _, err := t.step(batch)
	if err != nil {
		return err
	}
	return metrics.Accumulate(mainLoss+detLoss, batch.Size, out.Density, batch.Density)
}

// finishEpoch normalizes the global sums, tracks the best validation
// RMSE, writes the checkpoint artifacts, and prints the summary line.
// Only rank 0 runs this.
func (t *Trainer) finishEpoch(epoch int, trainSums, valSums MetricSums, seconds float64) error {
	trainLen := float64(t.loaders.Train.DatasetLen())
	valLen := float64(t.loaders.Val.DatasetLen())
	if trainLen == 0 {
		trainLen = 1
	}
	if valLen == 0 {
		valLen = 1
	}

	summary := EpochSummary{
		Epoch:     epoch,
		TrainLoss: trainSums.Loss / trainLen,
		ValLoss:   valSums.Loss / valLen,
		TrainMAE:  trainSums.AbsErr / trainLen,
		ValMAE:    valSums.AbsErr / valLen,
		ValRMSE:   math.Sqrt(valSums.SqErr / valLen),
		Seconds:   seconds,
	}
	if summary.ValRMSE < t.best {
		t.best = summary.ValRMSE
		summary.Best = true
	}

	ckpt := &checkpoints.Checkpoint{
		Epoch:          epoch,
		Weights:        checkpoints.WeightsFromParameters(t.model.Parameters()),
		OptimizerState: t.optimizer.StateData(),
		SchedulerState: t.scheduler.State(),
		BestValRMSE:    t.best,
	}
	if summary.Best {
		if err := t.saver.Save(checkpoints.KindBest, ckpt); err != nil {
			return fmt.Errorf("saving best checkpoint: %v", err)
		}
	}
	if err := t.saver.Save(checkpoints.KindLatest, ckpt); err != nil {
		return fmt.Errorf("saving latest checkpoint: %v", err)
	}

	marker := ""
	if summary.Best {
		marker = " best"
	}
	fmt.Printf("Epoch: %d Train loss: %.3f Val loss: %.3f Train MAE: %.3f Val MAE: %.3f Val RMSE: %.2f Epoch time: %.3f seconds%s\n",
		summary.Epoch, summary.TrainLoss, summary.ValLoss,
		summary.TrainMAE, summary.ValMAE, summary.ValRMSE, summary.Seconds, marker)

	t.logger.Info("epoch finished",
		zap.Int("epoch", summary.Epoch),
		zap.Float64("train_loss", summary.TrainLoss),
		zap.Float64("val_loss", summary.ValLoss),
		zap.Float64("val_rmse", summary.ValRMSE),
		zap.Bool("best", summary.Best))

	t.summaries = append(t.summaries, summary)
	if t.onEpoch != nil {
		t.onEpoch(summary)
	}
	return nil
}
