// Command pretrain runs the distributed counting-model pretraining loop.
// Process topology comes from the environment (SLURM or WORLD_SIZE/RANK/
// LOCAL_RANK); everything else comes from flags, environment variables
// prefixed GECO_, or an optional YAML config file.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/b10902118/GeCo/checkpoints"
	"github.com/b10902118/GeCo/dist"
	"github.com/b10902118/GeCo/model"
	"github.com/b10902118/GeCo/training"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "pretrain",
		Short:         "Distributed pretraining for the counting model",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	defaults := training.DefaultJobConfig()
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.String("dataset", defaults.Dataset, "dataset kind: synthetic or json")
	flags.String("data_path", defaults.DataPath, "dataset root directory")
	flags.Int("num_workers", defaults.NumWorkers, "loader worker budget")
	flags.Int("image_size", defaults.ImageSize, "input image side length")
	flags.Int("batch_size", defaults.BatchSize, "per-process batch size")
	flags.Int("epochs", defaults.Epochs, "number of training epochs")
	flags.Float64("lr", defaults.LR, "learning rate for non-backbone parameters")
	flags.Float64("backbone_lr", defaults.BackboneLR, "learning rate for backbone parameters")
	flags.Float64("weight_decay", defaults.WeightDecay, "AdamW weight decay")
	flags.Int("lr_drop", defaults.LRDropEpoch, "epoch interval between learning rate drops")
	flags.Float64("lr_decay_factor", defaults.LRDecayFactor, "multiplier applied at each drop")
	flags.Float64("max_grad_norm", defaults.MaxGradNorm, "gradient clip threshold, 0 disables")
	flags.String("model_name", defaults.ModelName, "checkpoint artifact name")
	flags.String("checkpoint_dir", defaults.CheckpointDir, "checkpoint directory")
	flags.Bool("resume", false, "resume from the latest checkpoint")
	flags.Int64("seed", defaults.Seed, "shared shuffle seed")
	flags.String("metrics_addr", "", "listen address for Prometheus metrics, empty disables")

	v.SetEnvPrefix("GECO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func loadConfig(v *viper.Viper, cfgFile string) (training.JobConfig, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return training.JobConfig{}, fmt.Errorf("reading config file: %v", err)
		}
	}
	cfg := training.DefaultJobConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return training.JobConfig{}, fmt.Errorf("decoding config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return training.JobConfig{}, err
	}
	return cfg, nil
}

// buildDatasets assembles the train and validation datasets named by
// cfg.Dataset. JSON datasets live under <data_path>/train and
// <data_path>/val, one sample file each; the synthetic dataset is
// generated from the run seed.
func buildDatasets(cfg training.JobConfig) (train, val training.Dataset, gridH, gridW int, err error) {
	switch cfg.Dataset {
	case "synthetic":
		const grid = 64
		trainSet, err := training.NewRandomCountingDataset(256, 3, cfg.ImageSize, grid, grid, 50, cfg.Seed)
		if err != nil {
			return nil, nil, 0, 0, fmt.Errorf("building training set: %v", err)
		}
		valSet, err := training.NewRandomCountingDataset(64, 3, cfg.ImageSize, grid, grid, 50, cfg.Seed+1)
		if err != nil {
			return nil, nil, 0, 0, fmt.Errorf("building validation set: %v", err)
		}
		return trainSet, valSet, grid, grid, nil
	case "json":
		trainSet, err := training.NewJSONDataset(filepath.Join(cfg.DataPath, "train"), cfg.ImageSize)
		if err != nil {
			return nil, nil, 0, 0, fmt.Errorf("building training set: %v", err)
		}
		valSet, err := training.NewJSONDataset(filepath.Join(cfg.DataPath, "val"), cfg.ImageSize)
		if err != nil {
			return nil, nil, 0, 0, fmt.Errorf("building validation set: %v", err)
		}
		h, w := trainSet.GridShape()
		if vh, vw := valSet.GridShape(); vh != h || vw != w {
			return nil, nil, 0, 0, fmt.Errorf("train grid %dx%d differs from val grid %dx%d", h, w, vh, vw)
		}
		return trainSet, valSet, h, w, nil
	default:
		return nil, nil, 0, 0, fmt.Errorf("unknown dataset %q, want synthetic or json", cfg.Dataset)
	}
}

func run(cfg training.JobConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %v", err)
	}
	defer logger.Sync()

	distCfg, err := dist.ConfigFromEnv(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("reading process topology: %v", err)
	}
	group, err := dist.Init(distCfg)
	if err != nil {
		return fmt.Errorf("joining process group: %v", err)
	}
	defer group.Close()

	logger = logger.With(zap.Int("rank", group.Rank()), zap.Int("world_size", group.WorldSize()))
	logger.Info("process group ready", zap.Int("local_device", group.LocalDevice()))

	trainSet, valSet, gridH, gridW, err := buildDatasets(cfg)
	if err != nil {
		return err
	}
	logger.Info("datasets ready",
		zap.String("dataset", cfg.Dataset),
		zap.Int("train_samples", trainSet.Len()),
		zap.Int("val_samples", valSet.Len()),
		zap.Int("num_workers", cfg.NumWorkers))

	trainSampler, err := training.NewDistributedSampler(trainSet.Len(), group.WorldSize(), group.Rank(), cfg.Seed, true)
	if err != nil {
		return err
	}
	valSampler, err := training.NewDistributedSampler(valSet.Len(), group.WorldSize(), group.Rank(), cfg.Seed, false)
	if err != nil {
		return err
	}
	trainLoader, err := training.NewDataLoader(trainSet, trainSampler, cfg.BatchSize, true)
	if err != nil {
		return err
	}
	valLoader, err := training.NewDataLoader(valSet, valSampler, cfg.BatchSize, false)
	if err != nil {
		return err
	}

	m := model.NewTinyCounter(gridH, gridW)
	groups, err := training.BuildParameterGroups(m, cfg.LR, cfg.BackboneLR)
	if err != nil {
		return fmt.Errorf("partitioning parameters: %v", err)
	}
	opt, err := training.NewAdamW(groups, cfg.WeightDecay)
	if err != nil {
		return err
	}
	sched, err := training.NewStepLR(cfg.LRDropEpoch, cfg.LRDecayFactor)
	if err != nil {
		return err
	}

	var saver *checkpoints.Saver
	if group.IsLeader() {
		saver = checkpoints.NewSaver(cfg.CheckpointDir, cfg.ModelName)
	}

	trainer, err := training.NewTrainer(cfg, group, m, opt, sched,
		training.Losses{Counting: training.ObjectNormalizedL2Loss{}, Detection: training.CenterL1Loss{}},
		training.Loaders{Train: trainLoader, Val: valLoader},
		saver, logger)
	if err != nil {
		return err
	}

	if group.IsLeader() && cfg.MetricsAddr != "" {
		progress := training.NewProgress()
		trainer.SetEpochHook(progress.Observe)
		go func() {
			if err := progress.Serve(cfg.MetricsAddr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Resume {
		if err := trainer.Resume(); err != nil {
			return err
		}
	}

	if err := trainer.Train(); err != nil {
		return err
	}
	// All ranks finish their collectives before any process tears down
	// the rendezvous, otherwise stragglers dial a dead coordinator.
	if err := group.Barrier(); err != nil {
		return fmt.Errorf("final synchronization: %v", err)
	}
	logger.Info("training finished", zap.Float64("best_val_rmse", trainer.BestValRMSE()))
	return nil
}
