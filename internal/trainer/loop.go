// Package trainer runs the fine-tuning loop: per-epoch training over
// shuffled batches, evaluation on the dev split, checkpoints and dumps.
package trainer

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"ordinal-forge/internal/dataset"
	"ordinal-forge/internal/loss"
	"ordinal-forge/internal/metrics"
	"ordinal-forge/internal/model"
	"ordinal-forge/internal/store"
	"ordinal-forge/internal/tokenizer"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Target     string
	Epochs     int
	BatchSize  int
	NumWorkers int
	LogEvery   int
	EvalEvery  int
	Seed       int64

	CheckpointDir       string
	CheckpointThreshold float64
	DumpDir             string
	DumpThreshold       float64

	// Recorded alongside checkpoints and in the run ledger.
	TokenizerMode  string
	MaxLength      int
	ConfigSnapshot string
}

// Recorder persists run progress. *store.Store satisfies it.
type Recorder interface {
	StartRun(ctx context.Context, target, config string) (string, error)
	RecordEpoch(ctx context.Context, runID string, e store.Epoch) error
	RecordCheckpoint(ctx context.Context, runID string, epoch int, path string, accuracy, correlation float64) error
	FinishRun(ctx context.Context, runID, status, message string) error
}

// Deps are the collaborators of a run. Recorder and Logger are optional.
type Deps struct {
	Train     []dataset.Sample
	Dev       []dataset.Sample
	Model     model.Model
	Loss      *loss.Combined
	Tokenizer tokenizer.Tokenizer
	Recorder  Recorder
	Logger    *zap.SugaredLogger
}

// EpochResult summarises one epoch.
type EpochResult struct {
	Epoch         int
	TrainLoss     float64
	SamplesPerSec float64
	// DegenerateBatches counts training batches whose correlation term was clamped.
	DegenerateBatches int
	Evaluated         bool
	Accuracy          float64
	Correlation       float64
	Checkpoint        string
	Dumps             []string
}

// Summary is returned by Run.
type Summary struct {
	RunID           string
	Epochs          []EpochResult
	BestCorrelation float64
	BestEpoch       int
	Checkpoints     []string
}

type runner struct {
	cfg   RunConfig
	deps  Deps
	log   *zap.SugaredLogger
	runID string
	step  int
}

// Run executes the training workload.
func Run(ctx context.Context, cfg RunConfig, deps Deps) (Summary, error) {
	if err := validate(&cfg, deps); err != nil {
		return Summary{}, err
	}
	r := &runner{cfg: cfg, deps: deps, log: deps.Logger}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}

	if deps.Recorder != nil {
		id, err := deps.Recorder.StartRun(ctx, cfg.Target, cfg.ConfigSnapshot)
		if err != nil {
			return Summary{}, errors.Wrap(err, "trainer: start run")
		}
		r.runID = id
	}

	sum, err := r.loop(ctx)
	sum.RunID = r.runID
	return sum, r.finish(ctx, err)
}

func validate(cfg *RunConfig, deps Deps) error {
	if cfg.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if len(deps.Train) == 0 || len(deps.Dev) == 0 {
		return errors.New("trainer: train and dev samples required")
	}
	if deps.Model == nil || deps.Loss == nil || deps.Tokenizer == nil {
		return errors.New("trainer: model, loss and tokenizer required")
	}
	if deps.Model.NumClasses() != deps.Loss.Options().NumClasses {
		return errors.Errorf("trainer: model has %d classes, loss expects %d",
			deps.Model.NumClasses(), deps.Loss.Options().NumClasses)
	}
	if cfg.Target == "" {
		cfg.Target = "target"
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.EvalEvery <= 0 {
		cfg.EvalEvery = 1
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return nil
}

func (r *runner) loop(ctx context.Context) (Summary, error) {
	var sum Summary
	rng := rand.New(rand.NewSource(r.cfg.Seed))

	for epoch := 1; epoch <= r.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := r.trainEpoch(ctx, epoch, dataset.Shuffled(r.deps.Train, rng))
		if err != nil {
			return sum, err
		}

		if epoch%r.cfg.EvalEvery == 0 || epoch == r.cfg.Epochs {
			eval, err := r.evaluate(ctx)
			if err != nil {
				return sum, err
			}
			res.Evaluated = true
			res.Accuracy = eval.MeanAccuracy()
			res.Correlation = r.correlation(epoch, eval)
			r.log.Infow("evaluation",
				"epoch", epoch,
				"accuracy", res.Accuracy,
				"correlation", res.Correlation,
				"train_loss", res.TrainLoss,
			)
			r.log.Debugw("confusion", "epoch", epoch, "matrix", eval.Confusion())
			if err := r.persist(ctx, &res, eval); err != nil {
				return sum, err
			}
			if res.Checkpoint != "" {
				sum.Checkpoints = append(sum.Checkpoints, res.Checkpoint)
			}
			if sum.BestEpoch == 0 || res.Correlation > sum.BestCorrelation {
				sum.BestCorrelation = res.Correlation
				sum.BestEpoch = epoch
			}
		}

		if r.deps.Recorder != nil {
			if err := r.deps.Recorder.RecordEpoch(ctx, r.runID, store.Epoch{
				Epoch:         epoch,
				TrainLoss:     res.TrainLoss,
				SamplesPerSec: res.SamplesPerSec,
				Accuracy:      res.Accuracy,
				Correlation:   res.Correlation,
			}); err != nil {
				return sum, errors.Wrap(err, "trainer: record epoch")
			}
		}
		sum.Epochs = append(sum.Epochs, res)
	}
	return sum, nil
}

func (r *runner) trainEpoch(ctx context.Context, epoch int, samples []dataset.Sample) (EpochResult, error) {
	res := EpochResult{Epoch: epoch}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, streamErr, err := dataset.StartBatches(ctx, samples, dataset.BatchOptions{
		BatchSize:  r.cfg.BatchSize,
		NumWorkers: r.cfg.NumWorkers,
		Tokenizer:  r.deps.Tokenizer,
	})
	if err != nil {
		return res, err
	}

	obj := func(scores mat.Matrix, labels []int) (float64, *mat.Dense, error) {
		out, err := r.deps.Loss.Compute(scores, labels)
		if err != nil {
			return 0, nil, err
		}
		if out.Degenerate {
			res.DegenerateBatches++
		}
		return out.Loss, out.Grad, nil
	}

	var (
		window    metrics.Window
		total     float64
		steps     int
		seen      int
		startedAt = time.Now()
	)
	for {
		startData := time.Now()
		batch, ok := <-stream
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		lossVal, err := r.deps.Model.TrainStep(batch, obj)
		if err != nil {
			return res, errors.Wrapf(err, "trainer: epoch %d step %d", epoch, r.step+1)
		}
		computeTime := time.Since(startCompute)

		r.step++
		steps++
		seen += batch.Size()
		total += lossVal
		window.Record(batch.Size(), dataTime, computeTime, lossVal)

		if r.step%r.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			r.log.Infow("train",
				"epoch", epoch,
				"step", r.step,
				"samples_per_sec", snap.SamplesPerSec,
				"data_ms", snap.AvgDataMS,
				"compute_ms", snap.AvgComputeMS,
				"loss", snap.LastLoss,
				"avg_loss", snap.AvgLoss,
			)
		}
	}
	if err := <-streamErr; err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if steps > 0 {
		res.TrainLoss = total / float64(steps)
	}
	if elapsed := time.Since(startedAt); elapsed > 0 {
		res.SamplesPerSec = float64(seen) / elapsed.Seconds()
	}
	if res.DegenerateBatches > 0 {
		r.log.Debugw("correlation term clamped", "epoch", epoch, "batches", res.DegenerateBatches)
	}
	return res, nil
}

// evaluate scores the dev split in file order.
func (r *runner) evaluate(ctx context.Context) (*metrics.Evaluation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, streamErr, err := dataset.StartBatches(ctx, r.deps.Dev, dataset.BatchOptions{
		BatchSize:  r.cfg.BatchSize,
		NumWorkers: r.cfg.NumWorkers,
		Tokenizer:  r.deps.Tokenizer,
	})
	if err != nil {
		return nil, err
	}
	eval := metrics.NewEvaluation(r.deps.Model.NumClasses())
	for batch := range stream {
		preds := model.Predict(r.deps.Model.Scores(batch))
		if err := eval.Add(preds, batch.Labels); err != nil {
			return nil, errors.Wrap(err, "trainer: evaluate")
		}
	}
	if err := <-streamErr; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return eval, nil
}

func (r *runner) correlation(epoch int, eval *metrics.Evaluation) float64 {
	corr, err := eval.Correlation()
	if errors.Is(err, loss.ErrZeroVariance) {
		r.log.Warnw("evaluation correlation undefined, reporting 0", "epoch", epoch, "error", err)
		return 0
	}
	if err != nil {
		r.log.Warnw("evaluation correlation failed, reporting 0", "epoch", epoch, "error", err)
		return 0
	}
	return corr
}

func (r *runner) finish(ctx context.Context, runErr error) error {
	if r.deps.Recorder == nil || r.runID == "" {
		return runErr
	}
	status, msg := store.StatusSucceeded, ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status, msg = store.StatusCanceled, runErr.Error()
	default:
		status, msg = store.StatusFailed, runErr.Error()
	}
	if err := r.deps.Recorder.FinishRun(context.WithoutCancel(ctx), r.runID, status, msg); err != nil {
		if runErr != nil {
			r.log.Errorw("failed to record run status", "run", r.runID, "error", err)
			return runErr
		}
		return errors.Wrap(err, "trainer: finish run")
	}
	return runErr
}
