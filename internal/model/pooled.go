package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// PooledConfig sizes a Pooled classifier.
type PooledConfig struct {
	VocabSize    int `json:"vocab_size"`
	EmbeddingDim int `json:"embedding_dim"`
	HiddenDim    int `json:"hidden_dim"`
	NumClasses   int `json:"num_classes"`
}

// Pooled is a small text classifier: masked mean of token embeddings, one
// tanh hidden layer and a linear head producing class scores.
type Pooled struct {
	cfg PooledConfig

	embed  []float64 // vocab x dim
	hidden *mat.Dense
	hbias  []float64
	head   *mat.Dense
	bias   []float64

	gEmbed  []float64
	gHidden *mat.Dense
	gHBias  []float64
	gHead   *mat.Dense
	gBias   []float64

	opt *AdamW
}

// NewPooled constructs the model with seeded random initialization.
func NewPooled(cfg PooledConfig, opt *AdamW, seed int64) (*Pooled, error) {
	if cfg.VocabSize <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("model: vocab size and num classes must be > 0 (got %d, %d)", cfg.VocabSize, cfg.NumClasses)
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 64
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = cfg.EmbeddingDim
	}
	if opt == nil {
		opt = NewAdamW(AdamWConfig{})
	}
	rng := rand.New(rand.NewSource(seed))
	m := newPooled(cfg, opt)
	for i := range m.embed {
		m.embed[i] = rng.NormFloat64() * 0.1
	}
	initUniform(m.hidden, 1/math.Sqrt(float64(cfg.EmbeddingDim)), rng)
	initUniform(m.head, 1/math.Sqrt(float64(cfg.HiddenDim)), rng)
	return m, nil
}

func newPooled(cfg PooledConfig, opt *AdamW) *Pooled {
	d, h, c := cfg.EmbeddingDim, cfg.HiddenDim, cfg.NumClasses
	return &Pooled{
		cfg:     cfg,
		embed:   make([]float64, cfg.VocabSize*d),
		hidden:  mat.NewDense(d, h, nil),
		hbias:   make([]float64, h),
		head:    mat.NewDense(h, c, nil),
		bias:    make([]float64, c),
		gEmbed:  make([]float64, cfg.VocabSize*d),
		gHidden: mat.NewDense(d, h, nil),
		gHBias:  make([]float64, h),
		gHead:   mat.NewDense(h, c, nil),
		gBias:   make([]float64, c),
		opt:     opt,
	}
}

func initUniform(m *mat.Dense, scale float64, rng *rand.Rand) {
	raw := m.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * scale
	}
}

// Config returns the model dimensions.
func (m *Pooled) Config() PooledConfig { return m.cfg }

// NumClasses implements Model.
func (m *Pooled) NumClasses() int { return m.cfg.NumClasses }

// activations cached by forward for backward.
type activations struct {
	pooled *mat.Dense // batch x dim
	act    *mat.Dense // batch x hidden, after tanh
	scores *mat.Dense
	counts []float64
}

// Scores implements Model.
func (m *Pooled) Scores(batch Batch) *mat.Dense {
	return m.forward(batch).scores
}

func (m *Pooled) forward(batch Batch) activations {
	n := batch.Size()
	d := m.cfg.EmbeddingDim
	pooled := mat.NewDense(n, d, nil)
	counts := make([]float64, n)
	for b, ids := range batch.Inputs {
		row := pooled.RawRowView(b)
		for t, id := range ids {
			if !m.active(batch, b, t, id) {
				continue
			}
			floats.Add(row, m.embed[id*d:(id+1)*d])
			counts[b]++
		}
		if counts[b] > 0 {
			floats.Scale(1/counts[b], row)
		}
	}

	act := mat.NewDense(n, m.cfg.HiddenDim, nil)
	act.Mul(pooled, m.hidden)
	for b := 0; b < n; b++ {
		row := act.RawRowView(b)
		floats.Add(row, m.hbias)
		for i, v := range row {
			row[i] = math.Tanh(v)
		}
	}

	scores := mat.NewDense(n, m.cfg.NumClasses, nil)
	scores.Mul(act, m.head)
	for b := 0; b < n; b++ {
		floats.Add(scores.RawRowView(b), m.bias)
	}
	return activations{pooled: pooled, act: act, scores: scores, counts: counts}
}

func (m *Pooled) active(batch Batch, b, t, id int) bool {
	if id < 0 || id >= m.cfg.VocabSize {
		return false
	}
	if b < len(batch.Masks) && t < len(batch.Masks[b]) {
		return batch.Masks[b][t] != 0
	}
	return true
}

// TrainStep implements Model.
func (m *Pooled) TrainStep(batch Batch, obj Objective) (float64, error) {
	if batch.Size() == 0 {
		return 0, errors.New("model: empty batch")
	}
	if len(batch.Labels) != batch.Size() {
		return 0, errors.Errorf("model: %d inputs but %d labels", batch.Size(), len(batch.Labels))
	}
	acts := m.forward(batch)
	value, grad, err := obj(acts.scores, batch.Labels)
	if err != nil {
		return 0, err
	}
	m.zeroGrad()
	m.backward(batch, acts, grad)
	m.opt.Step(m.params())
	return value, nil
}

func (m *Pooled) backward(batch Batch, acts activations, dScores *mat.Dense) {
	n := batch.Size()
	d := m.cfg.EmbeddingDim

	m.gHead.Mul(acts.act.T(), dScores)
	for b := 0; b < n; b++ {
		floats.Add(m.gBias, dScores.RawRowView(b))
	}

	dAct := mat.NewDense(n, m.cfg.HiddenDim, nil)
	dAct.Mul(dScores, m.head.T())
	for b := 0; b < n; b++ {
		row := dAct.RawRowView(b)
		a := acts.act.RawRowView(b)
		for i := range row {
			row[i] *= 1 - a[i]*a[i]
		}
		floats.Add(m.gHBias, row)
	}
	m.gHidden.Mul(acts.pooled.T(), dAct)

	dPooled := mat.NewDense(n, d, nil)
	dPooled.Mul(dAct, m.hidden.T())
	for b, ids := range batch.Inputs {
		if acts.counts[b] == 0 {
			continue
		}
		g := dPooled.RawRowView(b)
		inv := 1 / acts.counts[b]
		for t, id := range ids {
			if !m.active(batch, b, t, id) {
				continue
			}
			floats.AddScaled(m.gEmbed[id*d:(id+1)*d], inv, g)
		}
	}
}

func (m *Pooled) zeroGrad() {
	for _, p := range m.params() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (m *Pooled) params() []Param {
	return []Param{
		{Name: "embed", Value: m.embed, Grad: m.gEmbed},
		{Name: "hidden", Value: m.hidden.RawMatrix().Data, Grad: m.gHidden.RawMatrix().Data},
		{Name: "hidden_bias", Value: m.hbias, Grad: m.gHBias},
		{Name: "head", Value: m.head.RawMatrix().Data, Grad: m.gHead.RawMatrix().Data},
		{Name: "head_bias", Value: m.bias, Grad: m.gBias},
	}
}

// Predict returns the argmax class of each row of scores.
func Predict(scores mat.Matrix) []int {
	rows, _ := scores.Dims()
	out := make([]int, rows)
	for b := 0; b < rows; b++ {
		out[b] = floats.MaxIdx(mat.Row(nil, b, scores))
	}
	return out
}
