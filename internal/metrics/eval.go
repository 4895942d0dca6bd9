package metrics

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"ordinal-forge/internal/loss"
)

// Evaluation accumulates predictions against ground truth over a held-out
// pass. Accuracy is the mean of per-batch accuracies; the correlation is
// computed over all accumulated predictions.
type Evaluation struct {
	numClasses int
	batchAcc   []float64
	preds      []int
	truths     []int
}

// NewEvaluation returns an empty accumulator for numClasses classes.
func NewEvaluation(numClasses int) *Evaluation {
	return &Evaluation{numClasses: numClasses}
}

// Add records one batch of argmax predictions and labels.
func (e *Evaluation) Add(preds, labels []int) error {
	if len(preds) != len(labels) {
		return errors.Errorf("metrics: %d predictions but %d labels", len(preds), len(labels))
	}
	if len(preds) == 0 {
		return nil
	}
	e.batchAcc = append(e.batchAcc, Accuracy(preds, labels))
	e.preds = append(e.preds, preds...)
	e.truths = append(e.truths, labels...)
	return nil
}

// Accuracy returns the fraction of positions where preds equals labels.
func Accuracy(preds, labels []int) float64 {
	if len(preds) == 0 {
		return 0
	}
	hits := lo.CountBy(lo.Range(len(preds)), func(i int) bool { return preds[i] == labels[i] })
	return float64(hits) / float64(len(preds))
}

// Batches returns the number of recorded batches.
func (e *Evaluation) Batches() int { return len(e.batchAcc) }

// Predictions returns the accumulated predictions.
func (e *Evaluation) Predictions() []int { return e.preds }

// Truths returns the accumulated labels.
func (e *Evaluation) Truths() []int { return e.truths }

// MeanAccuracy averages the per-batch accuracies.
func (e *Evaluation) MeanAccuracy() float64 {
	if len(e.batchAcc) == 0 {
		return 0
	}
	m, err := stats.Mean(e.batchAcc)
	if err != nil {
		return 0
	}
	return m
}

// Correlation returns the Pearson correlation between predictions and
// labels. Constant predictions or labels yield loss.ErrZeroVariance.
func (e *Evaluation) Correlation() (float64, error) {
	if len(e.preds) == 0 {
		return 0, errors.New("metrics: no predictions recorded")
	}
	x := toFloats(e.preds)
	y := toFloats(e.truths)
	for _, series := range []stats.Float64Data{x, y} {
		sd, err := stats.StandardDeviationPopulation(series)
		if err != nil {
			return 0, errors.Wrap(err, "metrics: standard deviation")
		}
		if sd == 0 {
			return 0, loss.ErrZeroVariance
		}
	}
	r, err := stats.Pearson(x, y)
	if err != nil {
		return 0, errors.Wrap(err, "metrics: pearson")
	}
	return r, nil
}

// Confusion returns counts[truth][pred].
func (e *Evaluation) Confusion() [][]int {
	counts := make([][]int, e.numClasses)
	for i := range counts {
		counts[i] = make([]int, e.numClasses)
	}
	for i, p := range e.preds {
		t := e.truths[i]
		if t < 0 || t >= e.numClasses || p < 0 || p >= e.numClasses {
			continue
		}
		counts[t][p]++
	}
	return counts
}

func toFloats(v []int) stats.Float64Data {
	return lo.Map(v, func(x int, _ int) float64 { return float64(x) })
}
