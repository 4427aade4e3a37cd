// Package app wires the cyclevc subsystems together: the feature store, the
// dataset assemblers built from configuration, and the HTTP surface that
// streams batches to trainers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/cyclevc/internal/config"
	"github.com/MrWong99/cyclevc/internal/dataset"
	"github.com/MrWong99/cyclevc/internal/health"
	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/internal/pairing"
	"github.com/MrWong99/cyclevc/internal/resilience"
	"github.com/MrWong99/cyclevc/internal/stream"
	"github.com/MrWong99/cyclevc/pkg/featstore"
	"github.com/MrWong99/cyclevc/pkg/featstore/postgres"
	"github.com/MrWong99/cyclevc/pkg/wave"
)

// Split names served by the stream endpoint.
const (
	SplitTrain = "train"
	SplitEval  = "eval"
)

const readHeaderTimeout = 10 * time.Second

// App owns every long-lived component. Build it with [New], serve with
// [App.Run] and release resources with [App.Shutdown].
type App struct {
	cfg     *config.Config
	store   featstore.Store
	waves   wave.Reader
	metrics *observe.Metrics
	seed    uint64
	streams atomic.Uint64

	train dataset.Source
	eval  *dataset.Eval

	handler http.Handler
	server  *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for configuring an [App].
type Option func(*App)

// WithStore injects a feature store instead of connecting to Postgres.
func WithStore(s featstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithWaveReader injects a waveform reader instead of reading WAV files.
func WithWaveReader(r wave.Reader) Option {
	return func(a *App) { a.waves = r }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New connects the store, reads the list files, builds the train and eval
// assemblers and the HTTP handler. Everything happens synchronously, so a
// returned App is ready to serve.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, seed: cfg.Loader.Seed}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.waves == nil {
		a.waves = wave.WAVReader{SampleRate: cfg.Dataset.SampleRate}
	}
	if a.seed == 0 {
		a.seed = rand.Uint64()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initDatasets(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init datasets: %w", err)
	}
	a.initHTTP()
	return a, nil
}

// initStore connects to Postgres unless a store was injected, and guards
// reads with a circuit breaker either way.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN, postgres.WithMigrate(a.cfg.Store.Migrate))
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
	}
	a.store = resilience.NewStore(a.store, resilience.CircuitBreakerConfig{
		Name:         "featstore",
		MaxFailures:  a.cfg.Store.MaxFailures,
		ResetTimeout: a.cfg.Store.ResetTimeout,
	})
	return nil
}

func (a *App) initDatasets(ctx context.Context) error {
	ds := a.cfg.Dataset
	common := dataset.Common{
		Store:            a.store,
		Waves:            a.waves,
		Metrics:          a.metrics,
		PadFrames:        ds.PadFrames,
		UpsamplingFactor: ds.UpsamplingFactor,
	}
	if ds.QuantizeBits > 0 {
		common.Quantize = wave.MuLawEncoder(ds.QuantizeBits)
	}
	features := dataset.FeatureSpec{
		Key:       ds.FeatureKey,
		ExcitDim:  ds.ExcitDim,
		CapExcDim: ds.CapExcDim,
		UVCap:     ds.UVCap,
	}

	feats, err := config.ReadList(ds.TrainFeatList)
	if err != nil {
		return err
	}
	var waves []string
	if ds.TrainWaveList != "" {
		if waves, err = config.ReadList(ds.TrainWaveList); err != nil {
			return err
		}
	}

	switch ds.TrainKind {
	case config.TrainVocoder:
		vc := dataset.VocoderConfig{
			Common:     common,
			WaveFiles:  waves,
			FeatFiles:  feats,
			FeatureKey: ds.FeatureKey,
		}
		if ds.InputQuantizeBits > 0 {
			vc.InputQuantize = wave.MuLawEncoder(ds.InputQuantizeBits)
		}
		if ds.Dequantize {
			vc.Dequantize = wave.MuLawDecoder(ds.QuantizeBits)
		}
		a.train, err = dataset.NewVocoder(vc)
	default:
		a.train, err = dataset.NewTrain(dataset.TrainConfig{
			Common:      common,
			FeatFiles:   feats,
			WaveFiles:   waves,
			Speakers:    ds.Speakers,
			StatFiles:   ds.StatsLists,
			Features:    features,
			NumCycles:   ds.NumCycles,
			SpeechRange: ds.SpeechRange,
			Logits:      ds.Logits,
			Rand:        rand.New(rand.NewPCG(a.seed, 0)),
		})
	}
	if err != nil {
		return err
	}
	slog.Info("train split ready", "kind", ds.TrainKind, "examples", a.train.Len())

	if len(ds.EvalFeatLists) == 0 {
		return nil
	}
	evalFeats, err := config.ReadLists(ds.EvalFeatLists)
	if err != nil {
		return err
	}
	evalWaves, err := config.ReadLists(ds.EvalWaveLists)
	if err != nil {
		return err
	}
	a.eval, err = dataset.NewEval(ctx, dataset.EvalConfig{
		Common:      common,
		Speakers:    ds.Speakers,
		StatFiles:   ds.StatsLists,
		FeatFiles:   evalFeats,
		WaveFiles:   evalWaves,
		Features:    features,
		SpeechRange: ds.SpeechRange,
		Eligible:    pairing.ReservedPrefix(*ds.ReservedPrefix),
	})
	return err
}

// newRand returns an independent, reproducible random source per call.
func (a *App) newRand() *rand.Rand {
	return rand.New(rand.NewPCG(a.seed, a.streams.Add(1)))
}

func (a *App) initHTTP() {
	opts := []stream.Option{
		stream.WithDefaultBatch(a.cfg.Loader.BatchSize),
		stream.WithWorkers(a.cfg.Loader.Workers),
		stream.WithMaxBatch(a.cfg.Loader.MaxBatch),
		stream.WithOriginPatterns(a.cfg.Server.OriginPatterns...),
		stream.WithMetrics(a.metrics),
	}
	if a.cfg.Loader.Shuffle {
		opts = append(opts, stream.WithShuffle(a.newRand))
	}

	mux := http.NewServeMux()
	stream.New(a.Splits(), opts...).Register(mux)
	health.New(health.Ping("featstore", a.store)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Splits returns the configured dataset splits by name. The eval split is
// absent when no evaluation lists are configured.
func (a *App) Splits() map[string]dataset.Source {
	splits := map[string]dataset.Source{SplitTrain: a.train}
	if a.eval != nil {
		splits[SplitEval] = a.eval
	}
	return splits
}

// Eval returns the evaluation assembler, or nil.
func (a *App) Eval() *dataset.Eval { return a.eval }

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then drains open
// requests.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- a.server.Serve(ln) }()

	slog.Info("app serving", "addr", ln.Addr().String(), "splits", len(a.Splits()))
	select {
	case err := <-errc:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: drain: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// Shutdown releases the store connection and other resources. It is safe
// to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	_ = a.Shutdown(context.Background())
}
