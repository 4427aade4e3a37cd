// Package loader batches examples from a [dataset.Source] with a bounded
// worker pool.
//
// Every batch fans out over its indices with an [errgroup]; results keep the
// batch's index order. The first failing example aborts the batch and its
// siblings observe the cancelled context. Epoch order is either sequential or
// shuffled with an injected random source.
package loader

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cyclevc/internal/dataset"
	"github.com/MrWong99/cyclevc/internal/observe"
)

const (
	defaultBatchSize = 1
	defaultWorkers   = 4
)

// Batch is one loaded batch.
type Batch struct {
	Epoch    int
	Index    int
	Indices  []int
	Examples []dataset.Example
}

// Failure describes one example that could not be assembled.
type Failure struct {
	Index int
	Err   error
}

// Loader produces batches from a source. It is safe for concurrent use, but
// concurrent epochs share the shuffle source and therefore interleave draws.
type Loader struct {
	src       dataset.Source
	batchSize int
	workers   int
	dropLast  bool
	metrics   *observe.Metrics

	mu      sync.Mutex
	shuffle *rand.Rand
}

// Option is a functional option for configuring a [Loader].
type Option func(*Loader)

// WithBatchSize sets the number of examples per batch. Default: 1.
func WithBatchSize(n int) Option {
	return func(l *Loader) { l.batchSize = n }
}

// WithWorkers sets the maximum number of examples assembled concurrently.
// Default: 4.
func WithWorkers(n int) Option {
	return func(l *Loader) { l.workers = n }
}

// WithShuffle enables per-epoch shuffling drawn from r. A nil r disables
// shuffling.
func WithShuffle(r *rand.Rand) Option {
	return func(l *Loader) { l.shuffle = r }
}

// WithDropLast drops a trailing batch smaller than the batch size.
func WithDropLast(drop bool) Option {
	return func(l *Loader) { l.dropLast = drop }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// New returns a Loader over src.
func New(src dataset.Source, opts ...Option) (*Loader, error) {
	l := &Loader{src: src, batchSize: defaultBatchSize, workers: defaultWorkers}
	for _, o := range opts {
		o(l)
	}
	if l.batchSize < 1 {
		return nil, fmt.Errorf("loader: batch size must be at least 1, got %d", l.batchSize)
	}
	if l.workers < 1 {
		return nil, fmt.Errorf("loader: workers must be at least 1, got %d", l.workers)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l, nil
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	n := l.src.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Order returns the index order of one epoch.
func (l *Loader) Order() []int {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle != nil {
		l.mu.Lock()
		l.shuffle.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		l.mu.Unlock()
	}
	return order
}

// Load assembles the examples at indices concurrently and returns them in
// the same order.
func (l *Loader) Load(ctx context.Context, indices []int) ([]dataset.Example, error) {
	out := make([]dataset.Example, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for k, i := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ex, err := l.src.Get(gctx, i)
			if err != nil {
				return fmt.Errorf("loader: example %d: %w", i, err)
			}
			out[k] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Run loads epochs epochs and hands every batch to fn in order. It stops at
// the first error from loading or from fn.
func (l *Loader) Run(ctx context.Context, epochs int, fn func(context.Context, Batch) error) error {
	for epoch := range epochs {
		order := l.Order()
		for b := range l.NumBatches() {
			lo := b * l.batchSize
			hi := min(lo+l.batchSize, len(order))
			batch, err := l.loadBatch(ctx, epoch, b, order[lo:hi])
			if err != nil {
				return err
			}
			if err := fn(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) loadBatch(ctx context.Context, epoch, index int, indices []int) (Batch, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "loader.batch",
		trace.WithAttributes(
			attribute.Int("epoch", epoch),
			attribute.Int("batch", index),
			attribute.Int("size", len(indices)),
		),
	)

	examples, err := l.Load(ctx, indices)
	observe.EndSpan(span, err)
	if err != nil {
		l.metrics.RecordLoaderBatch(ctx, "error")
		return Batch{}, err
	}
	l.metrics.RecordLoaderBatch(ctx, "ok")
	observe.Logger(ctx).Debug("batch loaded",
		"epoch", epoch, "batch", index, "size", len(indices), "duration", time.Since(start))
	return Batch{Epoch: epoch, Index: index, Indices: indices, Examples: examples}, nil
}

// Verify assembles every example once and reports the ones that fail. Unlike
// [Loader.Load] a failure does not stop the scan; only cancellation of ctx
// does.
func (l *Loader) Verify(ctx context.Context) ([]Failure, error) {
	var (
		mu       sync.Mutex
		failures []Failure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i := range l.src.Len() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := l.src.Get(gctx, i); err != nil {
				mu.Lock()
				failures = append(failures, Failure{Index: i, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(failures, func(a, b Failure) int { return cmp.Compare(a.Index, b.Index) })
	return failures, nil
}
