package trainer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"ordinal-forge/internal/metrics"
	"ordinal-forge/internal/model"
)

// Checkpointer is implemented by models that can be serialised.
type Checkpointer interface {
	Checkpoint() model.Checkpoint
}

// CheckpointPath names the checkpoint written for an epoch.
func CheckpointPath(dir, target string, epoch int, accuracy, correlation float64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-e%d-acc%.4f-corr%.4f.json", target, epoch, accuracy, correlation))
}

// DumpPaths names the truth and prediction dumps.
func DumpPaths(dir, target string, correlation float64) (truth, pred string) {
	truth = filepath.Join(dir, target+"_y_truth.csv")
	pred = filepath.Join(dir, fmt.Sprintf("%s%.4fy_pred.tsv", target, correlation))
	return truth, pred
}

// persist writes the checkpoint and dumps earned by res, concurrently.
func (r *runner) persist(ctx context.Context, res *EpochResult, eval *metrics.Evaluation) error {
	var g errgroup.Group

	if res.Correlation > r.cfg.CheckpointThreshold {
		ckpter, ok := r.deps.Model.(Checkpointer)
		if !ok {
			r.log.Warnw("model does not support checkpoints", "epoch", res.Epoch)
		} else {
			path := CheckpointPath(r.cfg.CheckpointDir, r.cfg.Target, res.Epoch, res.Accuracy, res.Correlation)
			ckpt := ckpter.Checkpoint()
			ckpt.Target = r.cfg.Target
			ckpt.Tokenizer = r.cfg.TokenizerMode
			ckpt.MaxLength = r.cfg.MaxLength
			ckpt.Metrics = map[string]float64{
				"epoch":       float64(res.Epoch),
				"accuracy":    res.Accuracy,
				"correlation": res.Correlation,
			}
			g.Go(func() error { return model.SaveCheckpoint(path, ckpt) })
			res.Checkpoint = path
		}
	}

	if res.Correlation > r.cfg.DumpThreshold {
		truthPath, predPath := DumpPaths(r.cfg.DumpDir, r.cfg.Target, res.Correlation)
		truths, preds := eval.Truths(), eval.Predictions()
		g.Go(func() error { return writeColumn(truthPath, ',', truths) })
		g.Go(func() error { return writeColumn(predPath, '\t', preds) })
		res.Dumps = []string{truthPath, predPath}
	}

	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "trainer: epoch %d artifacts", res.Epoch)
	}
	if res.Checkpoint != "" {
		r.log.Infow("checkpoint saved", "epoch", res.Epoch, "path", res.Checkpoint)
		if r.deps.Recorder != nil {
			if err := r.deps.Recorder.RecordCheckpoint(ctx, r.runID, res.Epoch, res.Checkpoint, res.Accuracy, res.Correlation); err != nil {
				return errors.Wrap(err, "trainer: record checkpoint")
			}
		}
	}
	if len(res.Dumps) > 0 {
		r.log.Infow("predictions dumped", "epoch", res.Epoch, "truth", res.Dumps[0], "pred", res.Dumps[1])
	}
	return nil
}

// writeColumn writes values one per line under the single header "0".
func writeColumn(path string, comma rune, values []int) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	w := csv.NewWriter(f)
	w.Comma = comma
	if err := w.Write([]string{"0"}); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	for _, v := range values {
		if err := w.Write([]string{strconv.Itoa(v)}); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "flush %s", path)
}
