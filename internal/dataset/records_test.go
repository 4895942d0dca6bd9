package dataset

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ordinal-forge/internal/bucket"
)

func polarityOptions(t *testing.T) LoadOptions {
	t.Helper()
	b, err := bucket.Preset(bucket.EmotionalPolarity)
	require.NoError(t, err)
	return LoadOptions{ScoreColumn: bucket.EmotionalPolarity, Bucketizer: b}
}

func TestReadBucketsScores(t *testing.T) {
	in := "id,text,Emotion,EmotionalPolarity,Empathy\n" +
		"1,so sad today,1,-0.1,2\n" +
		"2,\"fine, I guess\",1,0.5,2\n" +
		"3,great news,2,2.9,3\n"
	samples, err := Read(strings.NewReader(in), polarityOptions(t))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "fine, I guess", samples[1].Text)
	assert.Equal(t, []int{0, 1, 4}, []int{samples[0].Class, samples[1].Class, samples[2].Class})
	assert.Equal(t, 3, samples[1].Line)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 4: 1}, ClassCounts(samples))
}

func TestReadDecodesLatin1(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("text,EmotionalPolarity\n")
	buf.Write([]byte{'c', 'a', 'f', 0xE9, ',', '1', '\n'})

	samples, err := Read(&buf, polarityOptions(t))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "café", samples[0].Text)
}

func TestReadUTF8(t *testing.T) {
	opts := polarityOptions(t)
	opts.Encoding = "utf-8"
	samples, err := Read(strings.NewReader("text,EmotionalPolarity\ncafé,1\n"), opts)
	require.NoError(t, err)
	assert.Equal(t, "café", samples[0].Text)
}

func TestReadRejectsMalformedRows(t *testing.T) {
	cases := map[string]string{
		"empty text":    "text,EmotionalPolarity\n  ,1\n",
		"missing score": "text,EmotionalPolarity\nhello,\n",
		"bad score":     "text,EmotionalPolarity\nhello,abc\n",
		"nan score":     "text,EmotionalPolarity\nhello,NaN\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(in), polarityOptions(t))
			assert.True(t, errors.Is(err, ErrMalformedRow), "%v", err)
		})
	}
}

func TestReadOutOfRangePolicy(t *testing.T) {
	in := "text,EmotionalPolarity\nok,1\ntoo high,4\n"

	_, err := Read(strings.NewReader(in), polarityOptions(t))
	assert.True(t, errors.Is(err, bucket.ErrOutOfRange), "%v", err)

	core, logs := observer.New(zap.WarnLevel)
	opts := polarityOptions(t)
	opts.SkipOutOfRange = true
	opts.Logger = zap.New(core).Sugar()
	samples, err := Read(strings.NewReader(in), opts)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
	assert.Equal(t, 1, logs.FilterMessage("skipping row").Len())
}

func TestReadHeaderAndOptions(t *testing.T) {
	_, err := Read(strings.NewReader("body,EmotionalPolarity\nx,1\n"), polarityOptions(t))
	assert.Error(t, err)

	_, err = Read(strings.NewReader("text,EmotionalPolarity\n"), polarityOptions(t))
	assert.Error(t, err)

	opts := polarityOptions(t)
	opts.Encoding = "klingon"
	_, err = Read(strings.NewReader("text,EmotionalPolarity\nx,1\n"), opts)
	assert.Error(t, err)

	_, err = Read(strings.NewReader("text,EmotionalPolarity\nx,1\n"), LoadOptions{ScoreColumn: "EmotionalPolarity"})
	assert.Error(t, err)
}

func TestLoadSplits(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "train.csv")
	dev := filepath.Join(dir, "dev.csv")
	require.NoError(t, os.WriteFile(train, []byte("text,EmotionalPolarity\na,0\nb,1\nc,2\n"), 0o644))
	require.NoError(t, os.WriteFile(dev, []byte("text,EmotionalPolarity\nd,0.5\n"), 0o644))

	tr, dv, err := LoadSplits(context.Background(), train, dev, polarityOptions(t))
	require.NoError(t, err)
	assert.Len(t, tr, 3)
	assert.Len(t, dv, 1)

	_, _, err = LoadSplits(context.Background(), train, filepath.Join(dir, "missing.csv"), polarityOptions(t))
	assert.Error(t, err)
}

func TestShuffledDeterministic(t *testing.T) {
	samples := make([]Sample, 20)
	for i := range samples {
		samples[i] = Sample{Line: i}
	}
	a := Shuffled(samples, rand.New(rand.NewSource(42)))
	b := Shuffled(samples, rand.New(rand.NewSource(42)))
	assert.Equal(t, a, b)
	assert.NotEqual(t, samples, a)
	assert.Equal(t, 0, samples[0].Line, "input is not modified")
	assert.ElementsMatch(t, samples, a)
}
