package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrZeroVariance is returned when a correlation input is constant.
var ErrZeroVariance = errors.New("loss: zero variance, correlation undefined")

// zeroVarianceTol bounds the centred norm, relative to the vector scale,
// below which a vector is treated as constant.
const zeroVarianceTol = 1e-12

// Pearson returns the Pearson correlation coefficient of x and y.
func Pearson(x, y []float64) (float64, error) {
	r, _, _, err := pearson(x, y)
	return r, err
}

// pearson also returns the mean-centred copies of x and y, which the loss
// gradient reuses.
func pearson(x, y []float64) (float64, []float64, []float64, error) {
	if len(x) == 0 {
		return 0, nil, nil, errors.New("loss: correlation of empty vectors")
	}
	if len(x) != len(y) {
		return 0, nil, nil, errors.Errorf("loss: correlation length mismatch %d != %d", len(x), len(y))
	}
	xc, xn, xok := center(x)
	yc, yn, yok := center(y)
	if !xok || !yok {
		return 0, xc, yc, ErrZeroVariance
	}
	return floats.Dot(xc, yc) / (xn * yn), xc, yc, nil
}

// center returns v minus its mean, the norm of the result and whether the
// vector has non-zero variance.
func center(v []float64) ([]float64, float64, bool) {
	mean := floats.Sum(v) / float64(len(v))
	out := make([]float64, len(v))
	copy(out, v)
	floats.AddConst(-mean, out)
	norm := floats.Norm(out, 2)
	tol := zeroVarianceTol * math.Sqrt(float64(len(v))) * (1 + math.Abs(mean))
	return out, norm, norm > tol
}
