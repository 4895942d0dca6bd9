package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"ordinal-forge/internal/model"
	"ordinal-forge/internal/tokenizer"
)

// BatchOptions configures the batch pipeline.
type BatchOptions struct {
	BatchSize  int
	NumWorkers int
	Tokenizer  tokenizer.Tokenizer
}

// StartBatches tokenizes samples into consecutive batches on NumWorkers
// goroutines. Batches are emitted in sample order regardless of which
// worker finished first; the last batch may be short. The batch channel is
// closed once every batch has been delivered or the context is done.
func StartBatches(parent context.Context, samples []Sample, opts BatchOptions) (<-chan model.Batch, <-chan error, error) {
	if len(samples) == 0 {
		return nil, nil, errors.New("batches: no samples")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.Errorf("batches: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.Tokenizer == nil {
		return nil, nil, errors.New("batches: tokenizer required")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, opts.NumWorkers)
	results := make(chan batchResult, opts.NumWorkers)
	out := make(chan model.Batch, opts.NumWorkers)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, samples, opts.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, opts.Tokenizer)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := runAggregator(ctx, results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type batchJob struct {
	id      int
	samples []Sample
}

type batchResult struct {
	id    int
	batch model.Batch
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, samples []Sample, batchSize int) {
	defer close(jobs)
	id := 0
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, samples: samples[start:end]}:
			id++
		}
	}
}

func worker(ctx context.Context, jobs <-chan batchJob, results chan<- batchResult, tok tokenizer.Tokenizer) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := batchResult{id: job.id, batch: Tokenize(job.samples, tok)}
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

// runAggregator re-sequences worker results by job id.
func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- model.Batch) error {
	pending := make(map[int]model.Batch)
	next := 0
	for {
		if batch, ok := pending[next]; ok {
			delete(pending, next)
			select {
			case <-ctx.Done():
				return nil
			case out <- batch:
			}
			next++
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-results:
			if !ok {
				if len(pending) > 0 && ctx.Err() == nil {
					return errors.Errorf("batches: %d batches undelivered", len(pending))
				}
				return nil
			}
			pending[res.id] = res.batch
		}
	}
}

// Tokenize encodes samples into a single batch.
func Tokenize(samples []Sample, tok tokenizer.Tokenizer) model.Batch {
	batch := model.Batch{
		Inputs: make([][]int, len(samples)),
		Masks:  make([][]int, len(samples)),
		Labels: make([]int, len(samples)),
	}
	for i, s := range samples {
		enc := tok.Encode(s.Text)
		batch.Inputs[i] = enc.IDs
		batch.Masks[i] = enc.Mask
		batch.Labels[i] = s.Class
	}
	return batch
}
