// Package loss implements the order-aware training objective: a
// hierarchical penalty-weighted log-likelihood blended with a Pearson
// correlation term between raw class scores and one-hot labels.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options configures a Combined loss.
type Options struct {
	NumClasses int
	Alpha      float64
	Beta       float64
	Gamma      float64
}

// DefaultOptions mirrors the reference fine-tuning run.
func DefaultOptions() Options {
	return Options{NumClasses: 5, Alpha: 0.8, Beta: 0.2, Gamma: 0.8}
}

// Result carries the scalar loss, its two components and the gradient of
// Loss with respect to the input scores.
type Result struct {
	Loss        float64
	Structured  float64
	Correlation float64
	// Degenerate is set when the correlation was undefined and clamped to 0.
	Degenerate bool
	Grad       *mat.Dense
}

// Combined computes
//
//	alpha * structured + beta * (-pearson(flatten(scores), flatten(onehot(labels))))
//
// where structured = -mean_b sum_c P[y_b][c] * log_softmax(scores)[b][c].
type Combined struct {
	opts    Options
	penalty *PenaltyMatrix
}

// NewCombined builds the penalty matrix once and returns the loss.
func NewCombined(opts Options) (*Combined, error) {
	if math.IsNaN(opts.Alpha) || math.IsNaN(opts.Beta) {
		return nil, errors.New("loss: alpha and beta must be numbers")
	}
	penalty, err := NewPenaltyMatrix(opts.NumClasses, opts.Gamma)
	if err != nil {
		return nil, err
	}
	return &Combined{opts: opts, penalty: penalty}, nil
}

// Penalty exposes the shared, read-only penalty matrix.
func (c *Combined) Penalty() *PenaltyMatrix { return c.penalty }

// Options returns the configuration the loss was built with.
func (c *Combined) Options() Options { return c.opts }

// Compute evaluates the loss for a batch of scores [B, C] and labels [B].
func (c *Combined) Compute(scores mat.Matrix, labels []int) (Result, error) {
	rows, cols := scores.Dims()
	if rows == 0 {
		return Result{}, errors.New("loss: empty batch")
	}
	if cols != c.opts.NumClasses {
		return Result{}, errors.Errorf("loss: scores have %d columns, want %d", cols, c.opts.NumClasses)
	}
	if rows != len(labels) {
		return Result{}, errors.Errorf("loss: %d score rows but %d labels", rows, len(labels))
	}

	n := float64(rows)
	flatScores := make([]float64, 0, rows*cols)
	flatTargets := make([]float64, rows*cols)
	grad := mat.NewDense(rows, cols, nil)

	structured := 0.0
	logp := make([]float64, cols)
	for b := 0; b < rows; b++ {
		y := labels[b]
		if y < 0 || y >= cols {
			return Result{}, errors.Errorf("loss: label %d at row %d out of range [0, %d)", y, b, cols)
		}
		z := mat.Row(nil, b, scores)
		for _, v := range z {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Result{}, errors.Errorf("loss: non-finite score at row %d", b)
			}
		}
		flatScores = append(flatScores, z...)
		flatTargets[b*cols+y] = 1

		copy(logp, z)
		floats.AddConst(-floats.LogSumExp(z), logp)

		w := c.penalty.row(y)
		structured -= floats.Dot(w, logp)

		wsum := floats.Sum(w)
		g := grad.RawRowView(b)
		for k := range g {
			p := math.Exp(logp[k])
			g[k] = c.opts.Alpha * -(w[k] - p*wsum) / n
		}
	}
	structured /= n

	res := Result{Structured: structured}
	r, xc, tc, err := pearson(flatScores, flatTargets)
	switch {
	case errors.Is(err, ErrZeroVariance):
		res.Degenerate = true
	case err != nil:
		return Result{}, err
	default:
		res.Correlation = r
		xn := floats.Norm(xc, 2)
		tn := floats.Norm(tc, 2)
		raw := grad.RawMatrix()
		for i := range xc {
			dr := tc[i]/(xn*tn) - r*xc[i]/(xn*xn)
			// the correlation term enters the loss negated
			raw.Data[(i/cols)*raw.Stride+i%cols] -= c.opts.Beta * dr
		}
	}

	res.Loss = c.opts.Alpha*structured - c.opts.Beta*res.Correlation
	res.Grad = grad
	return res, nil
}
