package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

const checkpointVersion = 1

// Checkpoint is the on-disk form of a Pooled classifier.
type Checkpoint struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	Target    string                 `json:"target,omitempty"`
	Tokenizer string                 `json:"tokenizer,omitempty"`
	MaxLength int                    `json:"max_length,omitempty"`
	Config    PooledConfig           `json:"config"`
	Metrics   map[string]float64     `json:"metrics,omitempty"`
	State     map[string][][]float64 `json:"state"`
}

// Checkpoint captures the current weights.
func (m *Pooled) Checkpoint() Checkpoint {
	d := m.cfg.EmbeddingDim
	embed := make([][]float64, m.cfg.VocabSize)
	for i := range embed {
		embed[i] = append([]float64(nil), m.embed[i*d:(i+1)*d]...)
	}
	return Checkpoint{
		Version:   checkpointVersion,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Config:    m.cfg,
		State: map[string][][]float64{
			"embed":       embed,
			"hidden":      denseRows(m.hidden),
			"hidden_bias": {append([]float64(nil), m.hbias...)},
			"head":        denseRows(m.head),
			"head_bias":   {append([]float64(nil), m.bias...)},
		},
	}
}

func denseRows(d *mat.Dense) [][]float64 {
	r, _ := d.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, d)
	}
	return out
}

// SaveCheckpoint writes ckpt as JSON, creating parent directories.
func SaveCheckpoint(path string, ckpt Checkpoint) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create checkpoint %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if err := json.NewEncoder(f).Encode(ckpt); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint file.
func LoadCheckpoint(path string) (Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, errors.Wrapf(err, "read checkpoint %s", path)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, errors.Wrap(err, "decode checkpoint")
	}
	if ckpt.Version != checkpointVersion {
		return Checkpoint{}, errors.Errorf("unsupported checkpoint version %d", ckpt.Version)
	}
	return ckpt, nil
}

// FromCheckpoint rebuilds a Pooled classifier. The optimizer state is not
// part of the checkpoint; opt starts fresh.
func FromCheckpoint(ckpt Checkpoint, opt *AdamW) (*Pooled, error) {
	cfg := ckpt.Config
	if cfg.VocabSize <= 0 || cfg.EmbeddingDim <= 0 || cfg.HiddenDim <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.New("invalid checkpoint config")
	}
	if opt == nil {
		opt = NewAdamW(AdamWConfig{})
	}
	m := newPooled(cfg, opt)
	load := func(name string, dst []float64, rows, cols int) error {
		src, ok := ckpt.State[name]
		if !ok || len(src) != rows {
			return errors.Errorf("checkpoint tensor %s: want %d rows", name, rows)
		}
		for i, row := range src {
			if len(row) != cols {
				return errors.Errorf("checkpoint tensor %s row %d: want %d columns, got %d", name, i, cols, len(row))
			}
			copy(dst[i*cols:], row)
		}
		return nil
	}
	err := multierr.Combine(
		load("embed", m.embed, cfg.VocabSize, cfg.EmbeddingDim),
		load("hidden", m.hidden.RawMatrix().Data, cfg.EmbeddingDim, cfg.HiddenDim),
		load("hidden_bias", m.hbias, 1, cfg.HiddenDim),
		load("head", m.head.RawMatrix().Data, cfg.HiddenDim, cfg.NumClasses),
		load("head_bias", m.bias, 1, cfg.NumClasses),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
