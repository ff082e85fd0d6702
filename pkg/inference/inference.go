// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inference turns motion sequences into per-frame embedding sequences with a trained encoder.
//
// A Service holds the currently loaded encoder weights. Reload stages a new model completely (weights
// loaded, graphs compiled and warmed up) before publishing it, so concurrent callers observe either the
// old or the new model, never a mix. Loaded models are kept in an LRU cache keyed by their artifact path.
//
// Embeddings are produced with a sliding window of WindowSize frames and stride Stride: the embedding of
// the window starting at frame t is assigned to frame t. Frames that are not a window start have no
// embedding (a nil entry).
package inference

import (
	gocontext "context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/gomlx/motionsim/pkg/artifact"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/stgcn"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// WindowSize is the number of frames seen by the encoder at once.
	WindowSize = 32

	// Stride between consecutive window starts.
	Stride = 1

	// MicroBatchSize is the number of windows encoded per call. Partial micro-batches are padded,
	// so only one graph is ever compiled per model.
	MicroBatchSize = 32

	// DefaultCacheSize is the default number of loaded models kept in memory.
	DefaultCacheSize = 4
)

// Embedding of one window. A nil Embedding means the frame has no embedding.
type Embedding = []float32

// model is a fully staged encoder: one executor per worker.
type model struct {
	path  string
	meta  *artifact.Metadata
	execs []*context.Exec

	// stale is set when the artifact at path was replaced after the model was loaded.
	stale atomic.Bool
}

// Service encodes motion sequences with the currently loaded model. It is safe for concurrent use.
type Service struct {
	backend backends.Backend
	workers int

	mu      sync.RWMutex
	current *model

	// loadMu serializes the loading of new artifacts.
	loadMu sync.Mutex
	cache  *lru.Cache[string, *model]
}

// Config for a Service. Create it with New, optionally configure it and call Done.
type Config struct {
	backend   backends.Backend
	ctx       *context.Context
	cacheSize int
	workers   int
}

// New creates the configuration of a Service running on backend.
//
// The hyperparameters in ctx define the encoder used until the first successful Reload. If ctx has no
// encoder variables they are randomly initialized.
func New(backend backends.Backend, ctx *context.Context) *Config {
	return &Config{
		backend:   backend,
		ctx:       ctx,
		cacheSize: DefaultCacheSize,
		workers:   1,
	}
}

// CacheSize sets the number of loaded models kept in memory. Default is DefaultCacheSize.
func (c *Config) CacheSize(size int) *Config {
	c.cacheSize = size
	return c
}

// Workers sets the number of micro-batches encoded in parallel. Default is 1.
func (c *Config) Workers(workers int) *Config {
	c.workers = workers
	return c
}

// Done creates the Service and stages its initial model.
func (c *Config) Done() (*Service, error) {
	if c.cacheSize <= 0 {
		return nil, errors.Errorf("inference: cache size must be positive, got %d", c.cacheSize)
	}
	if c.workers <= 0 {
		return nil, errors.Errorf("inference: number of workers must be positive, got %d", c.workers)
	}
	if err := stgcn.ValidateParams(c.ctx); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *model](c.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "inference: failed to create model cache")
	}
	s := &Service{
		backend: c.backend,
		workers: c.workers,
		cache:   cache,
	}
	ctx, err := stgcn.CopyContext(c.ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "inference: failed to copy initial model")
	}
	s.current, err = s.stage(ctx, "", nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// encode is the graph of one micro-batch: x shaped [MicroBatchSize, 3, WindowSize, 25].
func encode(ctx *context.Context, x *Node) *Node {
	return stgcn.New(ctx, x).Done()
}

// stage builds the executors for the encoder in ctx and runs each once, so the returned model is
// ready to serve. ctx is owned by the model afterwards.
func (s *Service) stage(ctx *context.Context, path string, meta *artifact.Metadata) (*model, error) {
	m := &model{path: path, meta: meta}
	ctx = ctx.In(stgcn.ModelScope)
	if path != "" {
		// Loaded models must not create new variables.
		ctx = ctx.Reuse()
	} else {
		// The initial model may come with or without variables.
		ctx = ctx.Checked(false)
	}
	still := make([]motion.Sequence, MicroBatchSize)
	for ii := range still {
		still[ii] = make(motion.Sequence, WindowSize)
	}
	warmup, err := motion.BatchTensor(still)
	if err != nil {
		return nil, err
	}
	for worker := range s.workers {
		exec, err := context.NewExec(s.backend, ctx, encode)
		if err != nil {
			return nil, errors.WithMessagef(err, "inference: failed to create encoder for %q", path)
		}
		if _, err = execute(exec, warmup); err != nil {
			return nil, errors.WithMessagef(err, "inference: failed to run encoder for %q (worker %d)", path, worker)
		}
		m.execs = append(m.execs, exec)
		ctx = ctx.Reuse()
	}
	return m, nil
}

func (s *Service) snapshot() *model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) publish(m *model) {
	s.mu.Lock()
	s.current = m
	s.mu.Unlock()
}

// Path returns the artifact path of the current model, or "" if it is the initial model.
func (s *Service) Path() string {
	return s.snapshot().path
}

// Metadata returns the metadata of the current model, or nil if it is the initial model.
func (s *Service) Metadata() *artifact.Metadata {
	return s.snapshot().meta
}

// Reload makes the artifact at path the current model.
//
// If the artifact is missing or cannot be loaded, the current model is kept, a warning is logged and
// the error is returned: callers may ignore it. Reloading the current path is a no-op unless it was
// invalidated, and previously loaded paths are served from the cache.
func (s *Service) Reload(path string) error {
	if path == "" {
		return nil
	}
	if current := s.snapshot(); current.path == path && !current.stale.Load() {
		return nil
	}
	if m, found := s.cache.Get(path); found {
		s.publish(m)
		metrics.ModelReloads.WithLabelValues("cached").Inc()
		return nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if m, found := s.cache.Get(path); found {
		// Loaded concurrently.
		s.publish(m)
		metrics.ModelReloads.WithLabelValues("cached").Inc()
		return nil
	}
	m, err := s.load(path)
	if err != nil {
		metrics.ModelReloads.WithLabelValues("failed").Inc()
		klog.Warningf("inference: model %q not loaded, keeping current weights (%q): %v", path, s.Path(), err)
		return err
	}
	s.cache.Add(path, m)
	s.publish(m)
	metrics.ModelReloads.WithLabelValues("loaded").Inc()
	klog.Infof("inference: model loaded from %q", path)
	return nil
}

func (s *Service) load(path string) (*model, error) {
	ctx, meta, err := artifact.Load(path)
	if err != nil {
		return nil, err
	}
	if err = stgcn.ValidateParams(ctx); err != nil {
		return nil, errors.WithMessagef(err, "inference: invalid hyperparameters in %q", path)
	}
	return s.stage(ctx, path, meta)
}

// Invalidate drops path from the model cache, after the artifact there was rewritten. If path is the
// current model it keeps serving, but the next Reload of path loads it again.
func (s *Service) Invalidate(path string) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.cache.Remove(path)
	if current := s.snapshot(); current.path == path {
		current.stale.Store(true)
	}
}

// Embed reloads the model at weightsPath (see Reload; failures fall back to the current model) and
// embeds seq.
func (s *Service) Embed(goCtx gocontext.Context, seq motion.Sequence, weightsPath string) ([]Embedding, error) {
	_ = s.Reload(weightsPath)
	return s.EmbedSequence(goCtx, seq)
}

// EmbedSequence returns one entry per frame of seq, with the current model.
//
// If seq is shorter than WindowSize it is padded by repeating its last frame and only frame 0 gets an
// embedding. Otherwise frames 0 to len(seq)-WindowSize get the embedding of the window starting there,
// and the remaining frames are nil.
func (s *Service) EmbedSequence(goCtx gocontext.Context, seq motion.Sequence) ([]Embedding, error) {
	return s.embed(goCtx, s.snapshot(), seq)
}

// EmbedAll embeds each of the named sequences with the same model.
func (s *Service) EmbedAll(goCtx gocontext.Context, sequences map[string]motion.Sequence) (map[string][]Embedding, error) {
	m := s.snapshot()
	names := make([]string, 0, len(sequences))
	for name := range sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make(map[string][]Embedding, len(sequences))
	for _, name := range names {
		embeddings, err := s.embed(goCtx, m, sequences[name])
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to embed %q", name)
		}
		results[name] = embeddings
	}
	return results, nil
}

// WindowStarts returns the frames of a sequence of numFrames frames that get an embedding.
func WindowStarts(numFrames int) []int {
	if numFrames <= 0 {
		return nil
	}
	if numFrames < WindowSize {
		return []int{0}
	}
	starts := make([]int, 0, (numFrames-WindowSize)/Stride+1)
	for start := 0; start+WindowSize <= numFrames; start += Stride {
		starts = append(starts, start)
	}
	return starts
}

func (s *Service) embed(goCtx gocontext.Context, m *model, seq motion.Sequence) ([]Embedding, error) {
	embeddings := make([]Embedding, len(seq))
	if len(seq) == 0 {
		return embeddings, nil
	}
	start := time.Now()
	if len(seq) < WindowSize {
		seq = seq.PadRepeatLast(WindowSize)
	}
	starts := WindowStarts(len(seq))
	numBatches := (len(starts) + MicroBatchSize - 1) / MicroBatchSize

	// Worker w encodes micro-batches w, w+workers, ... with its own executor. Each micro-batch writes
	// only the entries of its own window starts.
	eg, egCtx := errgroup.WithContext(goCtx)
	for worker := range min(len(m.execs), numBatches) {
		exec := m.execs[worker]
		eg.Go(func() error {
			for batch := worker; batch < numBatches; batch += len(m.execs) {
				if err := egCtx.Err(); err != nil {
					return err
				}
				batchStarts := starts[batch*MicroBatchSize : min(len(starts), (batch+1)*MicroBatchSize)]
				outputs, err := encodeWindows(exec, seq, batchStarts)
				if err != nil {
					return err
				}
				for ii, frame := range batchStarts {
					embeddings[frame] = outputs[ii]
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "inference: failed to embed sequence of %d frames", len(seq))
	}
	metrics.InferenceWindows.Add(float64(len(starts)))
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	klog.V(1).Infof("inference: embedded %d windows in %s", len(starts), time.Since(start))
	return embeddings, nil
}

// encodeWindows encodes the windows of seq starting at starts. The micro-batch is padded to
// MicroBatchSize by repeating its last window; outputs has one embedding per start, in order.
func encodeWindows(exec *context.Exec, seq motion.Sequence, starts []int) (outputs []Embedding, err error) {
	windows := make([]motion.Sequence, MicroBatchSize)
	for ii := range windows {
		start := starts[min(ii, len(starts)-1)]
		windows[ii], err = seq.Window(start, WindowSize)
		if err != nil {
			return nil, err
		}
	}
	batch, err := motion.BatchTensor(windows)
	if err != nil {
		return nil, err
	}
	result, err := execute(exec, batch)
	if err != nil {
		return nil, err
	}
	values, ok := result.Value().([][]float32)
	if !ok {
		return nil, errors.Errorf("inference: unexpected encoder output %s", result.Shape())
	}
	outputs = make([]Embedding, len(starts))
	for ii := range outputs {
		outputs[ii] = values[ii]
	}
	return outputs, nil
}

// execute runs the encoder, converting any panic raised while building the graph into an error.
func execute(exec *context.Exec, batch *tensors.Tensor) (result *tensors.Tensor, err error) {
	panicErr := exceptions.TryCatch[error](func() {
		result, err = exec.Exec1(batch)
	})
	if panicErr != nil {
		return nil, panicErr
	}
	return result, err
}
