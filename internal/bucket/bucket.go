package bucket

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned for scores that fall outside every bin.
var ErrOutOfRange = errors.New("bucket: score outside bin edges")

// Bucketizer maps a continuous score onto an ordinal class using fixed,
// half-open bins (edges[i], edges[i+1]].
type Bucketizer struct {
	edges  []float64
	labels []int
}

// New validates edges and labels and returns a Bucketizer.
func New(edges []float64, labels []int) (*Bucketizer, error) {
	if len(edges) < 2 {
		return nil, errors.Errorf("bucket: need at least 2 edges, got %d", len(edges))
	}
	if len(labels) != len(edges)-1 {
		return nil, errors.Errorf("bucket: %d edges require %d labels, got %d", len(edges), len(edges)-1, len(labels))
	}
	for i, e := range edges {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, errors.Errorf("bucket: edge %d is not finite", i)
		}
		if i > 0 && e <= edges[i-1] {
			return nil, errors.Errorf("bucket: edges must be strictly increasing (edge %d = %g <= %g)", i, e, edges[i-1])
		}
	}
	return &Bucketizer{
		edges:  append([]float64(nil), edges...),
		labels: append([]int(nil), labels...),
	}, nil
}

// Class returns the label of the bin containing score. A score equal to a
// shared edge belongs to the lower bin. Scores at or below the first edge,
// above the last edge, or NaN yield ErrOutOfRange.
func (b *Bucketizer) Class(score float64) (int, error) {
	n := len(b.edges)
	if math.IsNaN(score) || score <= b.edges[0] || score > b.edges[n-1] {
		return 0, errors.Wrapf(ErrOutOfRange, "score %g not in (%g, %g]", score, b.edges[0], b.edges[n-1])
	}
	// first edge >= score closes the bin on the right
	i := sort.SearchFloat64s(b.edges, score)
	return b.labels[i-1], nil
}

// NumClasses reports the number of distinct labels.
func (b *Bucketizer) NumClasses() int {
	seen := make(map[int]struct{}, len(b.labels))
	for _, l := range b.labels {
		seen[l] = struct{}{}
	}
	return len(seen)
}

// Edges returns a copy of the bin edges.
func (b *Bucketizer) Edges() []float64 {
	return append([]float64(nil), b.edges...)
}

// Labels returns a copy of the class labels.
func (b *Bucketizer) Labels() []int {
	return append([]int(nil), b.labels...)
}
