package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ordinal-forge/internal/bucket"
	"ordinal-forge/internal/tokenizer"
)

// Config captures the runtime knobs for a fine-tuning run.
type Config struct {
	Data    Data    `yaml:"data"`
	Loss    Loss    `yaml:"loss"`
	Train   Train   `yaml:"train"`
	Model   Model   `yaml:"model"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
}

// Data locates and interprets the input files.
type Data struct {
	Train          string `yaml:"train"`
	Dev            string `yaml:"dev"`
	Encoding       string `yaml:"encoding"`
	TextColumn     string `yaml:"text_column"`
	Target         string `yaml:"target"`
	SkipOutOfRange bool   `yaml:"skip_out_of_range"`
}

// Loss weights the structured and correlation terms.
type Loss struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Gamma float64 `yaml:"gamma"`
}

// Train holds optimisation settings.
type Train struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Seed         int64   `yaml:"seed"`
	NumWorkers   int     `yaml:"num_workers"`
	LogEvery     int     `yaml:"log_every"`
	EvalEvery    int     `yaml:"eval_every"`
}

// Model sizes the tokenizer and classifier.
type Model struct {
	Tokenizer    string `yaml:"tokenizer"`
	VocabSize    int    `yaml:"vocab_size"`
	MaxLength    int    `yaml:"max_length"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	HiddenDim    int    `yaml:"hidden_dim"`
}

// Output controls checkpoints, prediction dumps and the run ledger.
type Output struct {
	CheckpointDir       string  `yaml:"checkpoint_dir"`
	CheckpointThreshold float64 `yaml:"checkpoint_threshold"`
	DumpDir             string  `yaml:"dump_dir"`
	DumpThreshold       float64 `yaml:"dump_threshold"`
	DB                  string  `yaml:"db"`
}

// Logging selects level and an optional rotated log file.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the settings of the reference run.
func Default() *Config {
	return &Config{
		Data: Data{
			Encoding:   "iso-8859-1",
			TextColumn: "text",
			Target:     bucket.EmotionalPolarity,
		},
		Loss: Loss{Alpha: 0.8, Beta: 0.2, Gamma: 0.8},
		Train: Train{
			Epochs:       10,
			BatchSize:    32,
			LearningRate: 5e-6,
			Seed:         42,
			NumWorkers:   2,
			LogEvery:     50,
			EvalEvery:    1,
		},
		Model: Model{
			Tokenizer:    tokenizer.ModeHash,
			VocabSize:    30522,
			MaxLength:    128,
			EmbeddingDim: 64,
			HiddenDim:    64,
		},
		Output: Output{
			CheckpointDir:       "models",
			CheckpointThreshold: 0.62,
			DumpDir:             ".",
			DumpThreshold:       0.63,
			DB:                  "runs.db",
		},
		Logging: Logging{Level: "info"},
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Train        string
	Dev          string
	Target       string
	Epochs       int
	BatchSize    int
	LearningRate float64
	NumWorkers   int
	Seed         int64
	LogEvery     int
	DB           string
	LogLevel     string
}

// Load reads a Config from YAML on top of Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Train != "" {
		c.Data.Train = o.Train
	}
	if o.Dev != "" {
		c.Data.Dev = o.Dev
	}
	if o.Target != "" {
		c.Data.Target = o.Target
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.Train.LearningRate = o.LearningRate
	}
	if o.NumWorkers > 0 {
		c.Train.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	if o.DB != "" {
		c.Output.DB = o.DB
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Data.Train == "" || c.Data.Dev == "" {
		return errors.New("both data.train and data.dev must be set")
	}
	if _, err := bucket.Preset(c.Data.Target); err != nil {
		return err
	}
	if c.Loss.Gamma < 0 {
		return errors.Errorf("loss.gamma must be >= 0 (got %g)", c.Loss.Gamma)
	}
	if c.Loss.Alpha < 0 || c.Loss.Beta < 0 || c.Loss.Alpha+c.Loss.Beta == 0 {
		return errors.Errorf("loss.alpha and loss.beta must be >= 0 and not both 0 (got %g, %g)", c.Loss.Alpha, c.Loss.Beta)
	}
	if c.Train.Epochs <= 0 {
		return errors.Errorf("train.epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if c.Train.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be > 0 (got %g)", c.Train.LearningRate)
	}
	if c.Train.WeightDecay < 0 {
		return errors.Errorf("train.weight_decay must be >= 0 (got %g)", c.Train.WeightDecay)
	}
	if c.Train.NumWorkers <= 0 {
		return errors.Errorf("train.num_workers must be > 0 (got %d)", c.Train.NumWorkers)
	}
	if c.Model.Tokenizer != tokenizer.ModeHash && c.Model.Tokenizer != tokenizer.ModeBPE {
		return errors.Errorf("model.tokenizer must be %q or %q (got %q)", tokenizer.ModeHash, tokenizer.ModeBPE, c.Model.Tokenizer)
	}
	if c.Model.VocabSize <= 2 || c.Model.MaxLength < 2 {
		return errors.Errorf("model.vocab_size must be > 2 and model.max_length >= 2 (got %d, %d)", c.Model.VocabSize, c.Model.MaxLength)
	}
	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 50
	}
	if c.Train.EvalEvery <= 0 {
		c.Train.EvalEvery = 1
	}
	return nil
}
