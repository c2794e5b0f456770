// Package checkpoints persists and restores the complete training state of
// a pretraining job: model weights, optimizer and scheduler state, the
// epoch index, and the best validation metric seen so far. One artifact
// exists per kind: "latest" is overwritten every epoch, "best" only when
// validation improves. Only the coordinating rank ever reads or writes.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/b10902118/GeCo/tensor"
)

// Kind selects which artifact a save targets.
type Kind string

const (
	KindLatest Kind = "latest"
	KindBest   Kind = "best"
)

// Checkpoint is the full round-trippable training state.
type Checkpoint struct {
	Epoch          int             `json:"epoch"`
	Weights        []WeightTensor  `json:"weights"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`
	BestValRMSE    float64         `json:"best_val_rmse"`
	Metadata       Metadata        `json:"metadata"`
}

// WeightTensor is one model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (moments, step counter,
// per-group learning rates).
type OptimizerState struct {
	Type     string             `json:"type"`
	Step     int64              `json:"step"`
	GroupLRs map[string]float64 `json:"group_lrs"`
	Moments  []MomentTensor     `json:"moments"`
}

// MomentTensor holds the first and second moment estimates of one
// parameter.
type MomentTensor struct {
	Name   string    `json:"name"`
	First  []float32 `json:"first"`
	Second []float32 `json:"second"`
}

// SchedulerState captures the LR scheduler's position.
type SchedulerState struct {
	Name      string `json:"name"`
	LastEpoch int    `json:"last_epoch"`
}

// Metadata identifies the run that produced a checkpoint.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Saver writes and reads the two checkpoint artifacts of one named job.
type Saver struct {
	dir   string
	name  string
	runID string
}

// NewSaver creates a saver for checkpoints named after the job under dir.
func NewSaver(dir, name string) *Saver {
	return &Saver{dir: dir, name: name, runID: uuid.NewString()}
}

// Path returns the artifact path for a kind. The best artifact is the bare
// job name; the latest artifact carries a _last suffix.
func (s *Saver) Path(kind Kind) string {
	switch kind {
	case KindBest:
		return filepath.Join(s.dir, s.name+".json")
	default:
		return filepath.Join(s.dir, s.name+"_last.json")
	}
}

// Save serializes the checkpoint to the artifact for kind, creating the
// directory if needed. Write failures are returned to the caller as fatal
// I/O errors.
func (s *Saver) Save(kind Kind, checkpoint *Checkpoint) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "geco"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.RunID = s.runID
	}
	checkpoint.Metadata.CreatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	file, err := os.Create(s.Path(kind))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint back from path. A structural mismatch against
// the current model is detected later, at weight-load time; here only
// unreadable or undecodable artifacts fail.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// LoadKind reads the saver's own artifact for kind.
func (s *Saver) LoadKind(kind Kind) (*Checkpoint, error) {
	return Load(s.Path(kind))
}

// WeightsFromParameters snapshots model parameters into checkpoint form.
func WeightsFromParameters(params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		}
	}
	return weights
}

// LoadWeightsIntoParameters restores a weight snapshot into freshly built
// model parameters. Any count or shape mismatch is fatal; there is no
// partial resume.
func LoadWeightsIntoParameters(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: checkpoint has %d, model has %d", len(weights), len(params))
	}
	for i, w := range weights {
		p := params[i]
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("shape rank mismatch for %s: checkpoint %v vs model %v", w.Name, w.Shape, p.Shape)
		}
		for j, dim := range w.Shape {
			if dim != p.Shape[j] {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs model %v", w.Name, w.Shape, p.Shape)
			}
		}
		if err := p.SetData(w.Data); err != nil {
			return fmt.Errorf("failed to restore %s: %v", w.Name, err)
		}
	}
	return nil
}
