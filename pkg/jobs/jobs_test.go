// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jobs

import (
	gocontext "context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/gomlx/motionsim/pkg/artifact"
	"github.com/gomlx/motionsim/pkg/contrastive"
	"github.com/gomlx/motionsim/pkg/inference"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBackend = sync.OnceValue(func() backends.Backend {
	backend, err := simplego.New("")
	if err != nil {
		panic(err)
	}
	return backend
})

func tinyContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		stgcn.ParamBaseChannels:      2,
		stgcn.ParamEmbeddingDim:      4,
		contrastive.ParamBatchSize:   4,
		contrastive.ParamEpochs:      2,
		contrastive.ParamSeed:        5,
		contrastive.ParamPatience:    5,
		contrastive.ParamTemperature: 0.5,
	})
	return ctx
}

func randomSequences(num, numFrames int) []motion.Sequence {
	rng := rand.New(rand.NewPCG(uint64(num), uint64(numFrames)))
	seqs := make([]motion.Sequence, num)
	for ii := range seqs {
		seqs[ii] = make(motion.Sequence, numFrames)
		for t := range seqs[ii] {
			for v := range skeleton.NumJoints {
				for c := range motion.NumChannels {
					seqs[ii][t][v][c] = float32(rng.NormFloat64())
				}
			}
		}
	}
	return seqs
}

// fakeSource returns fixed sequences, optionally blocking until released or cancelled.
type fakeSource struct {
	sequences []motion.Sequence
	err       error
	started   chan struct{}
	release   chan struct{}
}

func (s *fakeSource) TrainingSequences(ctx gocontext.Context, _ string) ([]motion.Sequence, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.sequences, s.err
}

type fakeReloader struct {
	mu          sync.Mutex
	paths       []string
	invalidated []string
	err         error
}

func (r *fakeReloader) Invalidate(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, path)
}

func (r *fakeReloader) Reload(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return r.err
}

type fakeRefresher struct {
	exercises []string
}

func (r *fakeRefresher) RefreshReferences(_ gocontext.Context, exercise string) error {
	r.exercises = append(r.exercises, exercise)
	return nil
}

func waitJob(t *testing.T, m *Manager, exercise string) Job {
	goCtx, cancel := gocontext.WithTimeout(gocontext.Background(), 5*time.Minute)
	defer cancel()
	job, err := m.Wait(goCtx, exercise)
	require.NoError(t, err)
	return job
}

func TestIdleStatus(t *testing.T) {
	m := NewManager(testBackend(), tinyContext(), &fakeSource{})
	job := m.Status("squat")
	assert.Equal(t, StatusIdle, job.Status)
	assert.Equal(t, IdleMessage, job.Message)
	assert.Empty(t, m.Jobs())

	_, err := m.Wait(gocontext.Background(), "squat")
	assert.True(t, errors.Is(err, ErrUnknownExercise))
	assert.True(t, errors.Is(m.Cancel("squat"), ErrUnknownExercise))
}

func TestTrainingJob(t *testing.T) {
	modelsDir := t.TempDir()
	reloader := &fakeReloader{}
	refresher := &fakeRefresher{}
	m := NewManager(testBackend(), tinyContext(), &fakeSource{sequences: randomSequences(8, 36)}).
		WithModelsDir(modelsDir).
		WithReloader(reloader).
		WithRefresher(refresher)
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer m.Close()

	completedBefore := testutil.ToFloat64(metrics.JobsFinished.WithLabelValues(string(StatusCompleted)))
	job, err := m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	assert.Equal(t, StatusTraining, job.Status)
	assert.Equal(t, FetchingMessage, job.Message)
	assert.Equal(t, 2, job.TotalEpochs)
	assert.NotEmpty(t, job.ID)
	wantPath := filepath.Join(modelsDir, "model_squat_1700000000")
	assert.Equal(t, wantPath, job.ArtifactPath)

	job = waitJob(t, m, "squat")
	require.Equal(t, StatusCompleted, job.Status, job.Message)
	assert.Equal(t, CompletedMessage, job.Message)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.Epoch)
	assert.False(t, job.FinishedAt.IsZero())
	assert.Equal(t, []string{wantPath}, reloader.paths)
	assert.Equal(t, []string{wantPath}, reloader.invalidated)
	assert.Equal(t, []string{"squat"}, refresher.exercises)
	assert.Equal(t, completedBefore+1, testutil.ToFloat64(metrics.JobsFinished.WithLabelValues(string(StatusCompleted))))

	meta, err := artifact.ReadMetadata(wantPath)
	require.NoError(t, err)
	assert.Equal(t, "squat", meta.ExerciseID)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job, jobs[0])
}

func TestNoTrainingData(t *testing.T) {
	m := NewManager(testBackend(), tinyContext(), &fakeSource{}).WithModelsDir(t.TempDir())
	failedBefore := testutil.ToFloat64(metrics.JobsFinished.WithLabelValues(string(StatusFailed)))
	_, err := m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	job := waitJob(t, m, "squat")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, NoDataMessage, job.Message)
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.JobsFinished.WithLabelValues(string(StatusFailed))))
}

func TestFailures(t *testing.T) {
	t.Run("data source", func(t *testing.T) {
		m := NewManager(testBackend(), tinyContext(), &fakeSource{err: errors.New("database down")})
		_, err := m.Submit(gocontext.Background(), "squat")
		require.NoError(t, err)
		job := waitJob(t, m, "squat")
		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, job.Message, "database down")
	})

	t.Run("batch too small", func(t *testing.T) {
		m := NewManager(testBackend(), tinyContext(), &fakeSource{sequences: randomSequences(1, 36)}).
			WithModelsDir(t.TempDir())
		_, err := m.Submit(gocontext.Background(), "squat")
		require.NoError(t, err)
		job := waitJob(t, m, "squat")
		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, job.Message, contrastive.ErrBatchTooSmall.Error())
	})

	t.Run("reload", func(t *testing.T) {
		m := NewManager(testBackend(), tinyContext(), &fakeSource{sequences: randomSequences(4, 36)}).
			WithModelsDir(t.TempDir()).
			WithReloader(&fakeReloader{err: errors.New("corrupted weights")})
		_, err := m.Submit(gocontext.Background(), "lunge")
		require.NoError(t, err)
		job := waitJob(t, m, "lunge")
		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, job.Message, "corrupted weights")
	})

	t.Run("empty exercise", func(t *testing.T) {
		m := NewManager(testBackend(), tinyContext(), &fakeSource{})
		_, err := m.Submit(gocontext.Background(), "")
		assert.Error(t, err)
	})
}

func TestJobRunningAndCancel(t *testing.T) {
	source := &fakeSource{
		sequences: randomSequences(4, 36),
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	m := NewManager(testBackend(), tinyContext(), source).WithModelsDir(t.TempDir())
	defer m.Close()

	first, err := m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	<-source.started

	running, err := m.Submit(gocontext.Background(), "squat")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobRunning))
	assert.Equal(t, first.ID, running.ID)

	require.NoError(t, m.Cancel("squat"))
	job := waitJob(t, m, "squat")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, CancelledMessage, job.Message)

	// A finished job can be cancelled (no-op) and resubmitted.
	require.NoError(t, m.Cancel("squat"))
	source.started, source.release = nil, nil
	second, err := m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	job = waitJob(t, m, "squat")
	assert.Equal(t, StatusCompleted, job.Status, job.Message)
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	m := NewManager(testBackend(), tinyContext(), &fakeSource{sequences: randomSequences(4, 36)}).
		WithModelsDir(t.TempDir())
	goCtx, cancel := gocontext.WithCancel(gocontext.Background())
	_, err := m.Submit(goCtx, "squat")
	require.NoError(t, err)
	cancel()
	job := waitJob(t, m, "squat")
	assert.Equal(t, StatusCompleted, job.Status, job.Message)
}

func TestResubmitReloadsRewrittenArtifact(t *testing.T) {
	service, err := inference.New(testBackend(), tinyContext()).Done()
	require.NoError(t, err)
	source := &fakeSource{sequences: randomSequences(4, 36)}
	m := NewManager(testBackend(), tinyContext(), source).
		WithModelsDir(t.TempDir()).
		WithReloader(service)
	defer m.Close()
	// Both jobs start in the same second, so they write the same artifact path.
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	seq := randomSequences(1, inference.WindowSize)[0]
	loaded := func() float64 { return testutil.ToFloat64(metrics.ModelReloads.WithLabelValues("loaded")) }

	loadedBefore := loaded()
	_, err = m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	first := waitJob(t, m, "squat")
	require.Equal(t, StatusCompleted, first.Status, first.Message)
	assert.Equal(t, first.ArtifactPath, service.Path())
	firstEmbeddings, err := service.EmbedSequence(gocontext.Background(), seq)
	require.NoError(t, err)

	source.sequences = randomSequences(6, 40)
	_, err = m.Submit(gocontext.Background(), "squat")
	require.NoError(t, err)
	second := waitJob(t, m, "squat")
	require.Equal(t, StatusCompleted, second.Status, second.Message)
	require.Equal(t, first.ArtifactPath, second.ArtifactPath)
	assert.Equal(t, loadedBefore+2, loaded(), "the rewritten artifact must be loaded again")
	secondEmbeddings, err := service.EmbedSequence(gocontext.Background(), seq)
	require.NoError(t, err)
	assert.NotEqual(t, firstEmbeddings[0], secondEmbeddings[0])
}

func writeClips(t *testing.T, dir string, clips map[string]motion.Sequence) {
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, seq := range clips {
		require.NoError(t, motion.WriteFile(filepath.Join(dir, name+".json"), seq))
	}
}

func TestDirSource(t *testing.T) {
	source := DirSource{Dir: t.TempDir()}
	seqs, err := source.TrainingSequences(gocontext.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, seqs)

	clips := randomSequences(3, 5)
	writeClips(t, source.ExerciseDir("squat"), map[string]motion.Sequence{
		"b": clips[1], "a": clips[0], "c": clips[2], "empty": {},
	})
	require.NoError(t, os.WriteFile(filepath.Join(source.ExerciseDir("squat"), "notes.txt"), []byte("x"), 0o644))
	seqs, err = source.TrainingSequences(gocontext.Background(), "squat")
	require.NoError(t, err)
	require.Len(t, seqs, 3)
	for ii := range clips {
		assert.Equal(t, clips[ii], seqs[ii])
	}
}

// lengthEmbedder embeds each frame as [frame index] for the first half of the frames.
type lengthEmbedder struct{}

func (lengthEmbedder) EmbedAll(_ gocontext.Context, sequences map[string]motion.Sequence) (map[string][][]float32, error) {
	results := make(map[string][][]float32, len(sequences))
	for name, seq := range sequences {
		embeddings := make([][]float32, len(seq))
		for ii := range len(seq) / 2 {
			embeddings[ii] = []float32{float32(ii)}
		}
		results[name] = embeddings
	}
	return results, nil
}

func TestEmbeddingsRefresher(t *testing.T) {
	source := DirSource{Dir: t.TempDir()}
	refresher := EmbeddingsRefresher{Source: source, Embedder: lengthEmbedder{}}
	require.NoError(t, refresher.RefreshReferences(gocontext.Background(), "squat"))

	writeClips(t, source.ExerciseDir("squat"), map[string]motion.Sequence{"ref": randomSequences(1, 4)[0]})
	require.NoError(t, refresher.RefreshReferences(gocontext.Background(), "squat"))
	embeddings, err := ReadEmbeddings(filepath.Join(source.ExerciseDir("squat"), EmbeddingsDirName, "ref.json"))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}, nil, nil}, embeddings)

	// The embeddings directory is not mistaken for clips.
	seqs, err := source.TrainingSequences(gocontext.Background(), "squat")
	require.NoError(t, err)
	assert.Len(t, seqs, 1)
}
