package dataset

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"ordinal-forge/internal/bucket"
)

// Sample is one labeled text span.
type Sample struct {
	Text  string
	Score float64
	Class int
	Line  int
}

// ErrMalformedRow marks rows with missing or unparseable fields.
var ErrMalformedRow = errors.New("dataset: malformed row")

const (
	DefaultEncoding   = "iso-8859-1"
	DefaultTextColumn = "text"
)

// LoadOptions controls how a CSV file becomes samples.
type LoadOptions struct {
	Encoding    string
	TextColumn  string
	ScoreColumn string
	Bucketizer  *bucket.Bucketizer
	// SkipOutOfRange drops rows whose score has no class instead of failing.
	SkipOutOfRange bool
	Logger         *zap.SugaredLogger
}

func (o *LoadOptions) defaults() error {
	if o.Encoding == "" {
		o.Encoding = DefaultEncoding
	}
	if o.TextColumn == "" {
		o.TextColumn = DefaultTextColumn
	}
	if o.ScoreColumn == "" {
		return errors.New("dataset: score column required")
	}
	if o.Bucketizer == nil {
		return errors.New("dataset: bucketizer required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return nil
}

// Load reads the CSV file at path.
func Load(path string, opts LoadOptions) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()

	samples, err := Read(f, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return samples, nil
}

// LoadSplits reads the training and held-out files concurrently.
func LoadSplits(ctx context.Context, trainPath, devPath string, opts LoadOptions) ([]Sample, []Sample, error) {
	var train, dev []Sample
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		train, err = Load(trainPath, opts)
		return err
	})
	g.Go(func() error {
		var err error
		dev, err = Load(devPath, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return train, dev, nil
}

// Read decodes CSV records from r using opts.Encoding.
func Read(r io.Reader, opts LoadOptions) ([]Sample, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	enc, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(r, enc.NewDecoder()))
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	textIdx := lo.IndexOf(header, opts.TextColumn)
	scoreIdx := lo.IndexOf(header, opts.ScoreColumn)
	if textIdx < 0 || scoreIdx < 0 {
		return nil, errors.Errorf("header %v must contain %q and %q", header, opts.TextColumn, opts.ScoreColumn)
	}

	var samples []Sample
	skipped := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read record")
		}
		line, _ := cr.FieldPos(0)

		text := strings.TrimSpace(rec[textIdx])
		if text == "" {
			return nil, errors.Wrapf(ErrMalformedRow, "line %d: empty %s", line, opts.TextColumn)
		}
		raw := strings.TrimSpace(rec[scoreIdx])
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
			return nil, errors.Wrapf(ErrMalformedRow, "line %d: %s=%q is not a finite number", line, opts.ScoreColumn, raw)
		}
		class, err := opts.Bucketizer.Class(score)
		if err != nil {
			if opts.SkipOutOfRange && errors.Is(err, bucket.ErrOutOfRange) {
				opts.Logger.Warnw("skipping row", "line", line, "score", score)
				skipped++
				continue
			}
			return nil, errors.Wrapf(err, "line %d", line)
		}
		samples = append(samples, Sample{Text: text, Score: score, Class: class, Line: line})
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	opts.Logger.Debugw("loaded samples", "count", len(samples), "skipped", skipped)
	return samples, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %q", name)
	}
	if enc == nil {
		return nil, errors.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

// ClassCounts returns the number of samples per class.
func ClassCounts(samples []Sample) map[int]int {
	return lo.CountValuesBy(samples, func(s Sample) int { return s.Class })
}

// Shuffled returns a permuted copy of samples.
func Shuffled(samples []Sample, rng *rand.Rand) []Sample {
	out := append([]Sample(nil), samples...)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
