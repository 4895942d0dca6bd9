package loss

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPenaltyMatrixProperties(t *testing.T) {
	for _, n := range []int{1, 2, 5, 11} {
		for _, gamma := range []float64{0, 0.1, 0.8, 3} {
			p, err := NewPenaltyMatrix(n, gamma)
			require.NoError(t, err)
			require.Equal(t, n, p.Size())
			for i := 0; i < n; i++ {
				assert.Equal(t, 1.0, p.At(i, i))
				for j := 0; j < n; j++ {
					v := p.At(i, j)
					assert.Equal(t, v, p.At(j, i), "symmetry n=%d gamma=%g", n, gamma)
					assert.True(t, v > 0 && v <= 1, "range n=%d gamma=%g v=%g", n, gamma, v)
					if j > i {
						if gamma > 0 {
							assert.Less(t, v, p.At(i, j-1))
						} else {
							assert.Equal(t, 1.0, v)
						}
					}
				}
			}
		}
	}
}

func TestPenaltyMatrixValues(t *testing.T) {
	p, err := NewPenaltyMatrix(5, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.8), p.At(0, 1), 1e-15)
	assert.InDelta(t, math.Exp(-3.2), p.At(4, 0), 1e-15)

	row := p.Row(2)
	row[0] = 42
	assert.NotEqual(t, 42.0, p.At(2, 0), "Row must return a copy")

	d := p.Dense()
	d.Set(1, 1, 7)
	assert.Equal(t, 1.0, p.At(1, 1), "Dense must return a copy")
}

func TestPenaltyMatrixValidation(t *testing.T) {
	_, err := NewPenaltyMatrix(0, 1)
	assert.Error(t, err)
	_, err = NewPenaltyMatrix(3, -0.1)
	assert.Error(t, err)
	_, err = NewPenaltyMatrix(3, math.NaN())
	assert.Error(t, err)
}

func TestStructuredOnlyMatchesHandComputation(t *testing.T) {
	// gamma = ln 2 gives P = [[1, .5], [.5, 1]]
	c, err := NewCombined(Options{NumClasses: 2, Alpha: 1, Beta: 0, Gamma: math.Ln2})
	require.NoError(t, err)

	scores := mat.NewDense(2, 2, []float64{
		0, 0,
		math.Log(3), 0,
	})
	res, err := c.Compute(scores, []int{0, 1})
	require.NoError(t, err)

	row0 := 1.5 * math.Ln2
	row1 := -(0.5*math.Log(0.75) + math.Log(0.25))
	want := (row0 + row1) / 2
	assert.InDelta(t, want, res.Structured, 1e-12)
	assert.InDelta(t, want, res.Loss, 1e-12)
}

func TestGammaZeroSumsAllLogProbs(t *testing.T) {
	c, err := NewCombined(Options{NumClasses: 3, Alpha: 1, Beta: 0, Gamma: 0})
	require.NoError(t, err)

	data := []float64{
		1, 2, 3,
		0.5, -1, 0,
	}
	scores := mat.NewDense(2, 3, data)
	res, err := c.Compute(scores, []int{2, 0})
	require.NoError(t, err)

	want := 0.0
	for b := 0; b < 2; b++ {
		z := data[b*3 : b*3+3]
		lse := math.Log(math.Exp(z[0]) + math.Exp(z[1]) + math.Exp(z[2]))
		for _, v := range z {
			want -= v - lse
		}
	}
	want /= 2
	ce := (-(3 - math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3))) - (0.5 - math.Log(math.Exp(0.5)+math.Exp(-1)+1))) / 2

	assert.InDelta(t, want, res.Loss, 1e-12)
	assert.Greater(t, res.Loss, ce, "all-ones penalty is not plain cross-entropy")
}

func TestCombinedBlend(t *testing.T) {
	opts := DefaultOptions()
	c, err := NewCombined(opts)
	require.NoError(t, err)

	scores, labels := sampleBatch()
	res, err := c.Compute(scores, labels)
	require.NoError(t, err)
	require.False(t, res.Degenerate)

	assert.True(t, !math.IsNaN(res.Loss) && !math.IsInf(res.Loss, 0))
	assert.True(t, res.Correlation >= -1 && res.Correlation <= 1)
	assert.InDelta(t, opts.Alpha*res.Structured-opts.Beta*res.Correlation, res.Loss, 1e-12)
}

func TestCombinedPermutationInvariant(t *testing.T) {
	c, err := NewCombined(DefaultOptions())
	require.NoError(t, err)

	scores, labels := sampleBatch()
	res, err := c.Compute(scores, labels)
	require.NoError(t, err)

	rows, cols := scores.Dims()
	perm := []int{3, 0, 2, 1}
	permuted := mat.NewDense(rows, cols, nil)
	permLabels := make([]int, rows)
	for i, p := range perm {
		permuted.SetRow(i, mat.Row(nil, p, scores))
		permLabels[i] = labels[p]
	}
	res2, err := c.Compute(permuted, permLabels)
	require.NoError(t, err)
	assert.InDelta(t, res.Loss, res2.Loss, 1e-12)
	for i, p := range perm {
		for k := 0; k < cols; k++ {
			assert.InDelta(t, res.Grad.At(p, k), res2.Grad.At(i, k), 1e-12)
		}
	}
}

func TestCombinedGradientMatchesFiniteDifference(t *testing.T) {
	c, err := NewCombined(DefaultOptions())
	require.NoError(t, err)

	scores, labels := sampleBatch()
	res, err := c.Compute(scores, labels)
	require.NoError(t, err)

	const h = 1e-6
	rows, cols := scores.Dims()
	for i := 0; i < rows; i++ {
		for k := 0; k < cols; k++ {
			orig := scores.At(i, k)
			scores.Set(i, k, orig+h)
			up, err := c.Compute(scores, labels)
			require.NoError(t, err)
			scores.Set(i, k, orig-h)
			down, err := c.Compute(scores, labels)
			require.NoError(t, err)
			scores.Set(i, k, orig)

			numeric := (up.Loss - down.Loss) / (2 * h)
			assert.InDelta(t, numeric, res.Grad.At(i, k), 1e-6, "grad[%d][%d]", i, k)
		}
	}
}

func TestCombinedDegenerateCorrelation(t *testing.T) {
	c, err := NewCombined(DefaultOptions())
	require.NoError(t, err)

	scores := mat.NewDense(2, 5, nil)
	res, err := c.Compute(scores, []int{0, 4})
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	assert.Equal(t, 0.0, res.Correlation)
	assert.InDelta(t, 0.8*res.Structured, res.Loss, 1e-12)
	assert.False(t, math.IsNaN(res.Loss))
}

func TestCombinedErrors(t *testing.T) {
	c, err := NewCombined(DefaultOptions())
	require.NoError(t, err)

	_, err = c.Compute(mat.NewDense(2, 4, nil), []int{0, 1})
	assert.Error(t, err)

	_, err = c.Compute(mat.NewDense(2, 5, nil), []int{0})
	assert.Error(t, err)

	_, err = c.Compute(mat.NewDense(1, 5, nil), []int{5})
	assert.Error(t, err)

	bad := mat.NewDense(1, 5, nil)
	bad.Set(0, 2, math.NaN())
	_, err = c.Compute(bad, []int{1})
	assert.Error(t, err)

	_, err = NewCombined(Options{NumClasses: 0, Alpha: 1})
	assert.Error(t, err)
}

func TestPearson(t *testing.T) {
	r, err := Pearson([]float64{1, 2, 3}, []float64{2, 4, 6})
	require.NoError(t, err)
	assert.InDelta(t, 1, r, 1e-12)

	r, err = Pearson([]float64{1, 2, 3}, []float64{3, 2, 1})
	require.NoError(t, err)
	assert.InDelta(t, -1, r, 1e-12)

	_, err = Pearson([]float64{0.1, 0.1, 0.1}, []float64{1, 2, 3})
	assert.True(t, errors.Is(err, ErrZeroVariance))

	_, err = Pearson([]float64{1}, []float64{1, 2})
	assert.Error(t, err)

	_, err = Pearson(nil, nil)
	assert.Error(t, err)
}

func sampleBatch() (*mat.Dense, []int) {
	scores := mat.NewDense(4, 5, []float64{
		0.2, 1.1, -0.3, 0.0, 0.4,
		-1.0, 0.3, 0.9, 0.1, -0.2,
		0.5, -0.5, 0.25, 1.5, 0.0,
		0.0, 0.1, -0.7, 0.3, 2.0,
	})
	return scores, []int{1, 2, 3, 4}
}
