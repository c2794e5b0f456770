package training

import "fmt"

// JobConfig holds every knob of a training run. Values are typically
// populated from flags, environment, or a YAML file by the command layer
// and validated once before the trainer starts.
type JobConfig struct {
	// Data
	Dataset   string `mapstructure:"dataset"`
	DataPath  string `mapstructure:"data_path"`
	ImageSize int    `mapstructure:"image_size"`
	BatchSize int    `mapstructure:"batch_size"`
	// NumWorkers bounds loader parallelism. The current loader fetches
	// samples synchronously, so the value is validated and recorded but
	// does not change iteration order.
	NumWorkers int `mapstructure:"num_workers"`

	// Optimization
	Epochs        int     `mapstructure:"epochs"`
	LR            float64 `mapstructure:"lr"`
	BackboneLR    float64 `mapstructure:"backbone_lr"`
	WeightDecay   float64 `mapstructure:"weight_decay"`
	LRDropEpoch   int     `mapstructure:"lr_drop"`
	LRDecayFactor float64 `mapstructure:"lr_decay_factor"`
	MaxGradNorm   float64 `mapstructure:"max_grad_norm"`

	// Checkpointing
	ModelName     string `mapstructure:"model_name"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	Resume        bool   `mapstructure:"resume"`

	// Misc
	Seed        int64  `mapstructure:"seed"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultJobConfig returns the configuration used when nothing is
// overridden. The optimization defaults match the reference recipe for
// counting pretraining.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Dataset:       "synthetic",
		DataPath:      "./data",
		NumWorkers:    4,
		ImageSize:     512,
		BatchSize:     4,
		Epochs:        200,
		LR:            1e-4,
		BackboneLR:    1e-5,
		WeightDecay:   1e-4,
		LRDropEpoch:   200,
		LRDecayFactor: 0.25,
		MaxGradNorm:   0.1,
		ModelName:     "geco",
		CheckpointDir: "./checkpoints",
		Seed:          72,
	}
}

// Validate reports the first configuration error found, if any.
func (c JobConfig) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("dataset must not be empty")
	}
	if c.DataPath == "" {
		return fmt.Errorf("data_path must not be empty")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must not be negative, got %d", c.NumWorkers)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("epochs must not be negative, got %d", c.Epochs)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be positive, got %g", c.LR)
	}
	if c.BackboneLR <= 0 {
		return fmt.Errorf("backbone_lr must be positive, got %g", c.BackboneLR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must not be negative, got %g", c.WeightDecay)
	}
	if c.LRDropEpoch <= 0 {
		return fmt.Errorf("lr_drop must be positive, got %d", c.LRDropEpoch)
	}
	if c.LRDecayFactor <= 0 || c.LRDecayFactor > 1 {
		return fmt.Errorf("lr_decay_factor must be in (0, 1], got %g", c.LRDecayFactor)
	}
	if c.ModelName == "" {
		return fmt.Errorf("model_name must not be empty")
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir must not be empty")
	}
	return nil
}
