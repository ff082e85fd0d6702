// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jobs runs encoder training jobs in the background, one per exercise, and tracks their status.
//
// The status of an exercise moves from StatusIdle to StatusTraining when a job is accepted, and ends in
// StatusCompleted or StatusFailed. A job fetches the exercise's training sequences, trains and saves a new
// model artifact, reloads it for inference and finally refreshes the reference embeddings.
package jobs

import (
	gocontext "context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/gomlx/motionsim/pkg/contrastive"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Status of the training of an exercise.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusTraining  Status = "training"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal returns whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Status messages.
const (
	IdleMessage      = "No training in progress"
	FetchingMessage  = "Fetching training data..."
	NoDataMessage    = "No training data found for this exercise."
	TrainedMessage   = "Model trained. Updating embeddings..."
	CancelledMessage = "Training cancelled."
	CompletedMessage = "Training & Updates Complete!"
)

var (
	// ErrJobRunning is returned by Manager.Submit if the exercise is already training.
	ErrJobRunning = errors.New("a training job is already running for this exercise")

	// ErrUnknownExercise is returned for exercises that never had a job.
	ErrUnknownExercise = errors.New("no training job for this exercise")
)

// Job is the status record of the last training job of an exercise.
type Job struct {
	ID           string    `json:"id,omitempty"`
	Exercise     string    `json:"exercise"`
	Status       Status    `json:"status"`
	Message      string    `json:"message"`
	Progress     int       `json:"progress"`
	Epoch        int       `json:"epoch"`
	TotalEpochs  int       `json:"total_epochs"`
	Loss         float64   `json:"loss"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// DataSource provides the training sequences of an exercise.
type DataSource interface {
	TrainingSequences(ctx gocontext.Context, exercise string) ([]motion.Sequence, error)
}

// ModelReloader makes a newly saved artifact the model used for inference. inference.Service implements it.
//
// Invalidate is called first, since a resubmitted job may rewrite an artifact path that was already loaded.
type ModelReloader interface {
	Invalidate(path string)
	Reload(path string) error
}

// ReferenceRefresher recomputes the stored reference embeddings of an exercise, after its model was reloaded.
type ReferenceRefresher interface {
	RefreshReferences(ctx gocontext.Context, exercise string) error
}

// run is the bookkeeping of a job in flight.
type run struct {
	cancel gocontext.CancelFunc
	done   chan struct{}
}

// Manager accepts training jobs and tracks their status. It is safe for concurrent use.
type Manager struct {
	backend   backends.Backend
	ctx       *context.Context
	source    DataSource
	modelsDir string
	reloader  ModelReloader
	refresher ReferenceRefresher
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewManager creates a Manager that trains with the hyperparameters in ctx on backend.
// Each job trains on its own copy of ctx.
func NewManager(backend backends.Backend, ctx *context.Context, source DataSource) *Manager {
	return &Manager{
		backend:   backend,
		ctx:       ctx,
		source:    source,
		modelsDir: "trained_models",
		now:       time.Now,
		jobs:      make(map[string]*Job),
		runs:      make(map[string]*run),
	}
}

// WithModelsDir sets the directory where artifacts are saved. Default is "trained_models".
func (m *Manager) WithModelsDir(dir string) *Manager {
	m.modelsDir = dir
	return m
}

// WithReloader sets what to reload once a model is trained. If not set, no reload happens.
func (m *Manager) WithReloader(reloader ModelReloader) *Manager {
	m.reloader = reloader
	return m
}

// WithRefresher sets the reference embeddings refresher. If not set, no refresh happens.
func (m *Manager) WithRefresher(refresher ReferenceRefresher) *Manager {
	m.refresher = refresher
	return m
}

// ArtifactPath returns where the model of a job for exercise started at startedAt is saved.
func (m *Manager) ArtifactPath(exercise string, startedAt time.Time) string {
	return filepath.Join(m.modelsDir, fmt.Sprintf("model_%s_%d", exercise, startedAt.Unix()))
}

// Submit starts a training job for exercise in the background and returns its initial record.
//
// The job is not bound to goCtx cancellation, use Cancel to stop it. It returns ErrJobRunning if
// the exercise is already training.
func (m *Manager) Submit(goCtx gocontext.Context, exercise string) (Job, error) {
	if exercise == "" {
		return Job{}, errors.New("jobs: exercise name must not be empty")
	}
	trainCtx, err := stgcn.CopyContext(m.ctx)
	if err != nil {
		return Job{}, errors.WithMessage(err, "jobs: failed to copy hyperparameters")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if job, found := m.jobs[exercise]; found && job.Status == StatusTraining {
		return *job, errors.Wrapf(ErrJobRunning, "exercise %q, job %s", exercise, job.ID)
	}
	startedAt := m.now()
	job := &Job{
		ID:           uuid.NewString(),
		Exercise:     exercise,
		Status:       StatusTraining,
		Message:      FetchingMessage,
		TotalEpochs:  context.GetParamOr(trainCtx, contrastive.ParamEpochs, 25),
		ArtifactPath: m.ArtifactPath(exercise, startedAt),
		StartedAt:    startedAt,
	}
	m.jobs[exercise] = job
	jobCtx, cancel := gocontext.WithCancel(gocontext.WithoutCancel(goCtx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[exercise] = r

	metrics.JobsRunning.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		defer metrics.JobsRunning.Dec()
		m.execute(jobCtx, trainCtx, *job)
	}()
	klog.Infof("jobs: training job %s accepted for exercise %q", job.ID, exercise)
	return *job, nil
}

// execute runs the job and records its terminal status.
func (m *Manager) execute(goCtx gocontext.Context, trainCtx *context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(goCtx, job, errors.Errorf("internal error: %v", r))
		}
	}()

	sequences, err := m.source.TrainingSequences(goCtx, job.Exercise)
	if err != nil {
		m.fail(goCtx, job, errors.WithMessage(err, "failed to fetch training data"))
		return
	}
	if len(sequences) == 0 {
		m.fail(goCtx, job, errors.New(NoDataMessage))
		return
	}
	klog.Infof("jobs: %d training sequences for exercise %q", len(sequences), job.Exercise)

	trainer, err := contrastive.New(m.backend, trainCtx)
	if err != nil {
		m.fail(goCtx, job, err)
		return
	}
	result, err := trainer.
		WithProgress(func(epoch, totalEpochs int, loss float64, message string) {
			m.update(job, func(j *Job) {
				j.Epoch = epoch
				j.TotalEpochs = totalEpochs
				j.Loss = loss
				j.Message = message
				if totalEpochs > 0 {
					j.Progress = epoch * 100 / totalEpochs
				}
			})
		}).
		CheckpointPath(job.ArtifactPath).
		Exercise(job.Exercise).
		Train(goCtx, sequences)
	if err != nil {
		m.fail(goCtx, job, err)
		return
	}
	if result.Artifact == nil {
		m.fail(goCtx, job, errors.Errorf("training did not improve the loss, no model saved (last loss %g)", result.LastLoss))
		return
	}
	m.update(job, func(j *Job) { j.Message = TrainedMessage })

	if m.reloader != nil {
		m.reloader.Invalidate(job.ArtifactPath)
		if err = m.reloader.Reload(job.ArtifactPath); err != nil {
			m.fail(goCtx, job, errors.WithMessage(err, "failed to reload trained model"))
			return
		}
	}
	if m.refresher != nil {
		if err = m.refresher.RefreshReferences(goCtx, job.Exercise); err != nil {
			m.fail(goCtx, job, errors.WithMessage(err, "failed to refresh reference embeddings"))
			return
		}
	}

	m.update(job, func(j *Job) {
		j.Status = StatusCompleted
		j.Message = CompletedMessage
		j.Progress = 100
		j.Epoch = result.Epochs
		j.Loss = result.LastLoss
		j.FinishedAt = m.now()
	})
	metrics.JobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	klog.Infof("jobs: training job %s for exercise %q completed: %d epochs, best loss %.4f, model %q",
		job.ID, job.Exercise, result.Epochs, result.BestLoss, job.ArtifactPath)
}

// fail records the terminal failure of job. Failures of a cancelled job are reported as a cancellation.
func (m *Manager) fail(goCtx gocontext.Context, job Job, err error) {
	message := err.Error()
	if goCtx.Err() != nil || errors.Is(err, contrastive.ErrCancelled) {
		message = CancelledMessage
	}
	m.update(job, func(j *Job) {
		j.Status = StatusFailed
		j.Message = message
		j.FinishedAt = m.now()
	})
	metrics.JobsFinished.WithLabelValues(string(StatusFailed)).Inc()
	klog.Errorf("jobs: training job %s for exercise %q failed: %v", job.ID, job.Exercise, err)
}

// update applies fn to the record of job, if it is still the exercise's current job.
func (m *Manager) update(job Job, fn func(record *Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, found := m.jobs[job.Exercise]; found && record.ID == job.ID {
		fn(record)
	}
}

// Status returns the record of the last job of exercise, or an idle record if it never had one.
func (m *Manager) Status(exercise string) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, found := m.jobs[exercise]; found {
		return *job
	}
	return Job{Exercise: exercise, Status: StatusIdle, Message: IdleMessage}
}

// Jobs returns the records of all exercises that had a job, sorted by exercise.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		switch {
		case a.Exercise < b.Exercise:
			return -1
		case a.Exercise > b.Exercise:
			return 1
		}
		return 0
	})
	return jobs
}

// Cancel requests the running job of exercise to stop. The job ends in StatusFailed with CancelledMessage,
// once the trainer notices it (between batches). Cancelling a finished job is a no-op.
func (m *Manager) Cancel(exercise string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, found := m.runs[exercise]
	if !found {
		return errors.Wrapf(ErrUnknownExercise, "exercise %q", exercise)
	}
	r.cancel()
	return nil
}

// Wait blocks until the current job of exercise finishes, or goCtx is done, and returns its record.
func (m *Manager) Wait(goCtx gocontext.Context, exercise string) (Job, error) {
	m.mu.Lock()
	r, found := m.runs[exercise]
	m.mu.Unlock()
	if !found {
		return Job{}, errors.Wrapf(ErrUnknownExercise, "exercise %q", exercise)
	}
	select {
	case <-r.done:
		return m.Status(exercise), nil
	case <-goCtx.Done():
		return m.Status(exercise), goCtx.Err()
	}
}

// Close cancels all running jobs and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.runs {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
