package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"ordinal-forge/internal/bucket"
	"ordinal-forge/internal/config"
	"ordinal-forge/internal/dataset"
	"ordinal-forge/internal/logging"
	"ordinal-forge/internal/loss"
	"ordinal-forge/internal/model"
	"ordinal-forge/internal/store"
	"ordinal-forge/internal/tokenizer"
	"ordinal-forge/internal/trainer"
)

func trainCmd() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train and evaluate a classifier",
		UsageText: `ordinal-forge train --config configs/default.yaml
   ordinal-forge train --train data/train.csv --dev data/dev.csv --epochs 3 --lr 1e-3`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to YAML config (optional, defaults apply)"},
			&cli.StringFlag{Name: "train", Usage: "Override training CSV"},
			&cli.StringFlag{Name: "dev", Usage: "Override dev CSV"},
			&cli.StringFlag{Name: "target", Usage: "Override target column and bucket preset"},
			&cli.IntFlag{Name: "epochs", Usage: "Number of epochs"},
			&cli.IntFlag{Name: "batch-size", Usage: "Batch size"},
			&cli.FloatFlag{Name: "lr", Usage: "Learning rate"},
			&cli.IntFlag{Name: "num-workers", Usage: "Number of tokenizer workers"},
			&cli.Int64Flag{Name: "seed", Usage: "PRNG seed"},
			&cli.IntFlag{Name: "log-every", Usage: "Log every N steps"},
			&cli.StringFlag{Name: "db", Usage: "Path to the run ledger database"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level [debug, info, warn, error]"},
			&cli.StringFlag{Name: "init-checkpoint", Usage: "Start from the weights of a saved checkpoint"},
		},
		Action: runTrain,
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		Train:        cmd.String("train"),
		Dev:          cmd.String("dev"),
		Target:       cmd.String("target"),
		Epochs:       int(cmd.Int("epochs")),
		BatchSize:    int(cmd.Int("batch-size")),
		LearningRate: cmd.Float("lr"),
		NumWorkers:   int(cmd.Int("num-workers")),
		Seed:         cmd.Int64("seed"),
		LogEvery:     int(cmd.Int("log-every")),
		DB:           cmd.String("db"),
		LogLevel:     cmd.String("log-level"),
	})
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func runTrain(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeLog()) }()

	buckets, err := bucket.Preset(cfg.Data.Target)
	if err != nil {
		return err
	}
	train, dev, err := dataset.LoadSplits(ctx, cfg.Data.Train, cfg.Data.Dev, dataset.LoadOptions{
		Encoding:       cfg.Data.Encoding,
		TextColumn:     cfg.Data.TextColumn,
		ScoreColumn:    cfg.Data.Target,
		Bucketizer:     buckets,
		SkipOutOfRange: cfg.Data.SkipOutOfRange,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	log.Infow("data loaded",
		"target", cfg.Data.Target,
		"train", len(train),
		"dev", len(dev),
		"train_classes", dataset.ClassCounts(train),
	)

	tok, err := tokenizer.New(tokenizer.Options{
		Mode:      cfg.Model.Tokenizer,
		VocabSize: cfg.Model.VocabSize,
		MaxLength: cfg.Model.MaxLength,
	})
	if err != nil {
		return err
	}

	opt := model.NewAdamW(model.AdamWConfig{
		LearningRate: cfg.Train.LearningRate,
		WeightDecay:  cfg.Train.WeightDecay,
	})
	mdl, err := buildModel(cmd.String("init-checkpoint"), cfg, buckets.NumClasses(), opt)
	if err != nil {
		return err
	}
	dims := mdl.Config()
	log.Infow("model ready",
		"vocab", dims.VocabSize,
		"embedding_dim", dims.EmbeddingDim,
		"hidden_dim", dims.HiddenDim,
		"classes", dims.NumClasses,
		"tokenizer", cfg.Model.Tokenizer,
	)

	combined, err := loss.NewCombined(loss.Options{
		NumClasses: buckets.NumClasses(),
		Alpha:      cfg.Loss.Alpha,
		Beta:       cfg.Loss.Beta,
		Gamma:      cfg.Loss.Gamma,
	})
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Output.DB)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	snapshot, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "snapshot config")
	}

	sum, err := trainer.Run(ctx, trainer.RunConfig{
		Target:              cfg.Data.Target,
		Epochs:              cfg.Train.Epochs,
		BatchSize:           cfg.Train.BatchSize,
		NumWorkers:          cfg.Train.NumWorkers,
		LogEvery:            cfg.Train.LogEvery,
		EvalEvery:           cfg.Train.EvalEvery,
		Seed:                cfg.Train.Seed,
		CheckpointDir:       cfg.Output.CheckpointDir,
		CheckpointThreshold: cfg.Output.CheckpointThreshold,
		DumpDir:             cfg.Output.DumpDir,
		DumpThreshold:       cfg.Output.DumpThreshold,
		TokenizerMode:       cfg.Model.Tokenizer,
		MaxLength:           cfg.Model.MaxLength,
		ConfigSnapshot:      string(snapshot),
	}, trainer.Deps{
		Train:     train,
		Dev:       dev,
		Model:     mdl,
		Loss:      combined,
		Tokenizer: tok,
		Recorder:  st,
		Logger:    log,
	})
	if err != nil {
		return errors.Wrapf(err, "training failed (run %s)", sum.RunID)
	}

	log.Infow("training finished",
		"run", sum.RunID,
		"best_epoch", sum.BestEpoch,
		"best_correlation", sum.BestCorrelation,
		"checkpoints", len(sum.Checkpoints),
	)
	return nil
}

func buildModel(initPath string, cfg *config.Config, numClasses int, opt *model.AdamW) (*model.Pooled, error) {
	if initPath == "" {
		return model.NewPooled(model.PooledConfig{
			VocabSize:    cfg.Model.VocabSize,
			EmbeddingDim: cfg.Model.EmbeddingDim,
			HiddenDim:    cfg.Model.HiddenDim,
			NumClasses:   numClasses,
		}, opt, cfg.Train.Seed)
	}
	ckpt, err := model.LoadCheckpoint(initPath)
	if err != nil {
		return nil, err
	}
	if ckpt.Config.NumClasses != numClasses || ckpt.Config.VocabSize != cfg.Model.VocabSize {
		return nil, errors.Errorf("checkpoint %s has %d classes and vocab %d, config wants %d and %d",
			initPath, ckpt.Config.NumClasses, ckpt.Config.VocabSize, numClasses, cfg.Model.VocabSize)
	}
	if ckpt.Tokenizer != "" && ckpt.Tokenizer != cfg.Model.Tokenizer {
		return nil, errors.Errorf("checkpoint %s was trained with the %s tokenizer", initPath, ckpt.Tokenizer)
	}
	return model.FromCheckpoint(ckpt, opt)
}
