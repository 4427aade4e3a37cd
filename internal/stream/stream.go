// Package stream serves assembled examples to remote trainers over a
// websocket.
//
// A client opens
//
//	GET /v1/stream?split=train&batch=16&epochs=2
//
// and receives one JSON text message per batch followed by a final
// {"done":true} message and a normal closure. A failed batch ends the stream
// with {"done":true,"error":"..."} and an internal-error closure. Closing the
// connection from the client side cancels the remaining work.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/cyclevc/internal/dataset"
	"github.com/MrWong99/cyclevc/internal/loader"
	"github.com/MrWong99/cyclevc/internal/observe"
)

// Path is the streaming endpoint.
const Path = "/v1/stream"

const (
	defaultBatch        = 1
	defaultMaxBatch     = 256
	defaultMaxEpochs    = 1000
	defaultWorkers      = 4
	defaultWriteTimeout = 30 * time.Second
)

// Item is one example on the wire, tagged with its variant.
type Item struct {
	Mode    dataset.Mode    `json:"mode"`
	Example dataset.Example `json:"example"`
}

// BatchMessage carries one batch.
type BatchMessage struct {
	Epoch    int    `json:"epoch"`
	Batch    int    `json:"batch"`
	Indices  []int  `json:"indices"`
	Examples []Item `json:"examples"`
}

// DoneMessage ends a stream.
type DoneMessage struct {
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Server streams batches from named dataset splits. It is safe for
// concurrent use; every connection gets its own loader.
type Server struct {
	splits       map[string]dataset.Source
	batch        int
	workers      int
	maxBatch     int
	maxEpochs    int
	writeTimeout time.Duration
	newRand      func() *rand.Rand
	origins      []string
	metrics      *observe.Metrics
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithDefaultBatch sets the batch size used when a client omits it.
// Default: 1.
func WithDefaultBatch(n int) Option {
	return func(s *Server) { s.batch = n }
}

// WithWorkers sets the per-stream worker count. Default: 4.
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = n }
}

// WithMaxBatch caps the batch size a client may request. Default: 256.
func WithMaxBatch(n int) Option {
	return func(s *Server) { s.maxBatch = n }
}

// WithMaxEpochs caps the number of epochs a client may request.
// Default: 1000.
func WithMaxEpochs(n int) Option {
	return func(s *Server) { s.maxEpochs = n }
}

// WithWriteTimeout bounds every message write. Default: 30s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithShuffle enables per-epoch shuffling. newRand is called once per
// stream. A nil newRand disables shuffling.
func WithShuffle(newRand func() *rand.Rand) Option {
	return func(s *Server) { s.newRand = newRand }
}

// WithOriginPatterns sets the accepted cross-origin host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a Server over the given splits, keyed by name ("train",
// "eval").
func New(splits map[string]dataset.Source, opts ...Option) *Server {
	s := &Server{
		splits:       splits,
		batch:        defaultBatch,
		workers:      defaultWorkers,
		maxBatch:     defaultMaxBatch,
		maxEpochs:    defaultMaxEpochs,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register mounts the stream endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, s)
}

type request struct {
	split  string
	src    dataset.Source
	batch  int
	epochs int
}

func (s *Server) parse(r *http.Request) (request, int, error) {
	q := r.URL.Query()
	req := request{split: q.Get("split"), batch: s.batch, epochs: 1}
	src, ok := s.splits[req.split]
	if !ok {
		return req, http.StatusNotFound, fmt.Errorf("unknown split %q", req.split)
	}
	req.src = src

	var err error
	if v := q.Get("batch"); v != "" {
		if req.batch, err = strconv.Atoi(v); err != nil || req.batch < 1 || req.batch > s.maxBatch {
			return req, http.StatusBadRequest, fmt.Errorf("batch must be an integer in [1, %d]", s.maxBatch)
		}
	}
	if v := q.Get("epochs"); v != "" {
		if req.epochs, err = strconv.Atoi(v); err != nil || req.epochs < 1 || req.epochs > s.maxEpochs {
			return req, http.StatusBadRequest, fmt.Errorf("epochs must be an integer in [1, %d]", s.maxEpochs)
		}
	}
	return req, http.StatusOK, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, status, err := s.parse(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	opts := []loader.Option{
		loader.WithBatchSize(req.batch),
		loader.WithWorkers(s.workers),
		loader.WithMetrics(s.metrics),
	}
	if s.newRand != nil {
		opts = append(opts, loader.WithShuffle(s.newRand()))
	}
	ld, err := loader.New(req.src, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("stream: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	s.metrics.ActiveStreams.Add(r.Context(), 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(r.Context()), -1)

	// The client sends nothing; CloseRead cancels ctx when it disconnects.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx).With("split", req.split, "batch", req.batch, "epochs", req.epochs)
	log.Info("stream opened", "batches_per_epoch", ld.NumBatches())

	err = ld.Run(ctx, req.epochs, func(ctx context.Context, b loader.Batch) error {
		msg := BatchMessage{Epoch: b.Epoch, Batch: b.Index, Indices: b.Indices, Examples: make([]Item, len(b.Examples))}
		for k, ex := range b.Examples {
			msg.Examples[k] = Item{Mode: ex.Mode(), Example: ex}
		}
		return s.write(ctx, conn, msg)
	})

	switch {
	case err == nil:
		if err := s.write(ctx, conn, DoneMessage{Done: true}); err != nil {
			log.Warn("stream: write done message", "err", err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
		log.Info("stream completed")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		log.Info("stream cancelled by client")
	default:
		log.Error("stream failed", "err", err)
		_ = s.write(ctx, conn, DoneMessage{Done: true, Error: err.Error()})
		conn.Close(websocket.StatusInternalError, "batch failed")
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
