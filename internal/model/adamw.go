package model

import "math"

// Param is a named parameter slice and its gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// AdamWConfig configures the optimizer. Zero fields take the defaults of
// the reference fine-tuning run.
type AdamWConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// AdamW implements Adam with decoupled weight decay and bias correction.
type AdamW struct {
	cfg AdamWConfig
	t   int
	m   map[string][]float64
	v   map[string][]float64
}

// NewAdamW returns an optimizer with defaults applied.
func NewAdamW(cfg AdamWConfig) *AdamW {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 5e-6
	}
	if cfg.Beta1 <= 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 <= 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-6
	}
	if cfg.WeightDecay < 0 {
		cfg.WeightDecay = 0
	}
	return &AdamW{
		cfg: cfg,
		m:   make(map[string][]float64),
		v:   make(map[string][]float64),
	}
}

// LearningRate returns the configured step size.
func (o *AdamW) LearningRate() float64 { return o.cfg.LearningRate }

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

// Step applies one update to every parameter using its current gradient.
func (o *AdamW) Step(params []Param) {
	o.t++
	c := o.cfg
	corr1 := 1 - math.Pow(c.Beta1, float64(o.t))
	corr2 := 1 - math.Pow(c.Beta2, float64(o.t))
	stepSize := c.LearningRate * math.Sqrt(corr2) / corr1

	for _, p := range params {
		m, ok := o.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			o.v[p.Name] = v
		}
		for i, g := range p.Grad {
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*g
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*g*g
			p.Value[i] -= stepSize * m[i] / (math.Sqrt(v[i]) + c.Epsilon)
			if c.WeightDecay > 0 {
				p.Value[i] -= c.LearningRate * c.WeightDecay * p.Value[i]
			}
		}
	}
}
