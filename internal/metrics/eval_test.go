package metrics

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordinal-forge/internal/loss"
)

func TestEvaluationAccumulates(t *testing.T) {
	e := NewEvaluation(5)
	require.NoError(t, e.Add([]int{0, 1, 2, 3}, []int{0, 1, 2, 4}))
	require.NoError(t, e.Add([]int{4, 4}, []int{4, 3}))

	assert.Equal(t, 2, e.Batches())
	// batch means 0.75 and 0.5, not the pooled 4/6
	assert.InDelta(t, 0.625, e.MeanAccuracy(), 1e-12)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 4}, e.Predictions())
	assert.Equal(t, []int{0, 1, 2, 4, 4, 3}, e.Truths())

	r, err := e.Correlation()
	require.NoError(t, err)
	assert.Greater(t, r, 0.8)
	assert.LessOrEqual(t, r, 1.0)

	conf := e.Confusion()
	assert.Equal(t, 1, conf[4][3])
	assert.Equal(t, 1, conf[3][4])
	assert.Equal(t, 1, conf[4][4])
}

func TestEvaluationPerfectCorrelation(t *testing.T) {
	e := NewEvaluation(3)
	require.NoError(t, e.Add([]int{0, 1, 2}, []int{0, 1, 2}))
	r, err := e.Correlation()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-12)
	assert.Equal(t, 1.0, e.MeanAccuracy())
}

func TestEvaluationConstantPredictions(t *testing.T) {
	e := NewEvaluation(3)
	require.NoError(t, e.Add([]int{1, 1, 1}, []int{0, 1, 2}))
	_, err := e.Correlation()
	assert.True(t, errors.Is(err, loss.ErrZeroVariance))
}

func TestEvaluationErrors(t *testing.T) {
	e := NewEvaluation(3)
	_, err := e.Correlation()
	assert.Error(t, err)
	assert.Error(t, e.Add([]int{1}, []int{1, 2}))
	assert.NoError(t, e.Add(nil, nil))
	assert.Equal(t, 0, e.Batches())
	assert.Equal(t, 0.0, e.MeanAccuracy())
}

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 0.5, Accuracy([]int{1, 2}, []int{1, 3}))
	assert.Equal(t, 0.0, Accuracy(nil, nil))
}
