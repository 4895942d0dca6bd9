package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PenaltyMatrix holds the hierarchical penalty between ordinal classes:
//
//	m[i][j] = exp(-gamma * |i-j|)
//
// It is symmetric with a unit diagonal and is never modified after
// construction, so a single instance can be shared across goroutines.
type PenaltyMatrix struct {
	n     int
	gamma float64
	data  []float64
}

// NewPenaltyMatrix builds the penalty matrix for numClasses classes.
func NewPenaltyMatrix(numClasses int, gamma float64) (*PenaltyMatrix, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("loss: num classes must be >= 1 (got %d)", numClasses)
	}
	if math.IsNaN(gamma) || math.IsInf(gamma, 0) || gamma < 0 {
		return nil, errors.Errorf("loss: gamma must be finite and >= 0 (got %g)", gamma)
	}
	data := make([]float64, numClasses*numClasses)
	for i := 0; i < numClasses; i++ {
		for j := 0; j < numClasses; j++ {
			data[i*numClasses+j] = math.Exp(-gamma * math.Abs(float64(i-j)))
		}
	}
	return &PenaltyMatrix{n: numClasses, gamma: gamma, data: data}, nil
}

// Size returns the number of classes.
func (p *PenaltyMatrix) Size() int { return p.n }

// Gamma returns the decay rate used to build the matrix.
func (p *PenaltyMatrix) Gamma() float64 { return p.gamma }

// At returns the penalty for predicting class j when the true class is i.
func (p *PenaltyMatrix) At(i, j int) float64 {
	return p.data[i*p.n+j]
}

// Row returns a copy of row i.
func (p *PenaltyMatrix) Row(i int) []float64 {
	return append([]float64(nil), p.row(i)...)
}

func (p *PenaltyMatrix) row(i int) []float64 {
	return p.data[i*p.n : (i+1)*p.n]
}

// Dense returns a copy of the matrix.
func (p *PenaltyMatrix) Dense() *mat.Dense {
	return mat.NewDense(p.n, p.n, append([]float64(nil), p.data...))
}
