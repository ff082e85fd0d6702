// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package contrastive trains the ST-GCN encoder with a self-supervised SimCLR objective: two augmented views
// of the same motion clip are pulled together in the embedding space, views of different clips pushed apart.
package contrastive

import (
	gocontext "context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/gomlx/motionsim/pkg/artifact"
	"github.com/gomlx/motionsim/pkg/augment"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

const (
	// ParamBatchSize is the nominal number of source sequences per batch (each yields 2 views). Default is 32.
	ParamBatchSize = "train_batch_size"

	// ParamEpochs is the maximum number of epochs. Default is 25.
	ParamEpochs = "train_epochs"

	// ParamPatience is the number of epochs without improvement of the mean loss before stopping. Default is 5.
	ParamPatience = "train_patience"

	// ParamTemperature is the NT-Xent temperature. Default is 0.5.
	ParamTemperature = "ntxent_temperature"

	// ParamSeed seeds the augmentation, shuffling and model random number generators. If 0 (default),
	// a time-based seed is used.
	ParamSeed = "train_seed"

	// DefaultLearningRate is used for Adam if optimizers.ParamLearningRate is not set.
	DefaultLearningRate = 0.01
)

// Progress messages.
const (
	StartMessage        = "Starting Training..."
	EpochMessageFmt     = "Epoch %d complete"
	EarlyStopMessageFmt = "Early stopping triggered at epoch %d"
)

const minimumContrastivePairs = 2

var (
	// ErrEmptyDataset is returned when training is requested without any sequence.
	ErrEmptyDataset = errors.New("no training sequences")

	// ErrBatchTooSmall is returned when a batch of at least 2 sequences cannot be formed.
	ErrBatchTooSmall = errors.New("contrastive training requires at least 2 sequences")

	// ErrCancelled is returned when the training is cancelled through its context.
	ErrCancelled = errors.New("training cancelled")
)

// ProgressFn is called at the start of training (epoch 0), after every epoch, and once more if training stops early.
type ProgressFn func(epoch, totalEpochs int, loss float64, message string)

// Result summarizes a training run.
type Result struct {
	// BestLoss is the lowest mean epoch loss observed.
	BestLoss float64

	// LastLoss is the mean loss of the last completed epoch.
	LastLoss float64

	// Epochs is the number of completed epochs.
	Epochs int

	// BatchSize is the effective batch size used, after reduction for small datasets.
	BatchSize int

	// StoppedEarly is true if training stopped for lack of improvement.
	StoppedEarly bool

	// Artifact is the metadata of the last artifact saved, or nil if no checkpoint path was configured.
	Artifact *artifact.Metadata
}

// Trainer of the encoder. Create it with New, configure it and call Train.
type Trainer struct {
	backend        backends.Backend
	ctx            *context.Context
	augmentation   augment.Config
	progress       ProgressFn
	checkpointPath string
	exercise       string
}

// New creates a Trainer for the model variables and hyperparameters in ctx.
// Invalid hyperparameters are reported immediately.
func New(backend backends.Backend, ctx *context.Context) (*Trainer, error) {
	if err := stgcn.ValidateParams(ctx); err != nil {
		return nil, err
	}
	t := &Trainer{
		backend:      backend,
		ctx:          ctx,
		augmentation: augment.DefaultConfig(),
	}
	for _, key := range []string{ParamBatchSize, ParamEpochs} {
		if v := context.GetParamOr(ctx, key, 1); v <= 0 {
			return nil, errors.Errorf("%s must be > 0, got %d", key, v)
		}
	}
	if v := context.GetParamOr(ctx, ParamPatience, 5); v <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamPatience, v)
	}
	if v := context.GetParamOr(ctx, ParamTemperature, 0.5); v <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %g", ParamTemperature, v)
	}
	return t, nil
}

// WithProgress sets the progress callback.
func (t *Trainer) WithProgress(fn ProgressFn) *Trainer {
	t.progress = fn
	return t
}

// CheckpointPath sets where the artifact is saved whenever the mean epoch loss improves.
// If empty (default) no artifact is saved.
func (t *Trainer) CheckpointPath(path string) *Trainer {
	t.checkpointPath = path
	return t
}

// Exercise sets the exercise recorded in the artifact metadata and used as a metrics label.
func (t *Trainer) Exercise(exercise string) *Trainer {
	t.exercise = exercise
	return t
}

// Augmentation sets the augmentation configuration. Default is augment.DefaultConfig().
func (t *Trainer) Augmentation(config augment.Config) *Trainer {
	t.augmentation = config
	return t
}

// Context returns the model context holding the trained variables.
func (t *Trainer) Context() *context.Context {
	return t.ctx
}

func (t *Trainer) report(epoch, totalEpochs int, loss float64, message string) {
	if t.progress != nil {
		t.progress(epoch, totalEpochs, loss, message)
	}
}

// EffectiveBatchSize returns the batch size used for numSequences sequences with the given nominal batch size:
// smaller datasets use all sequences in one batch, but never fewer than 2.
func EffectiveBatchSize(nominal, numSequences int) int {
	if numSequences < nominal {
		return max(minimumContrastivePairs, numSequences)
	}
	return nominal
}

// Train fits the encoder on sequences. Batches are processed sequentially; goCtx is checked between batches,
// and if it is cancelled training returns ErrCancelled (wrapped) along with the partial result.
func (t *Trainer) Train(goCtx gocontext.Context, sequences []motion.Sequence) (*Result, error) {
	if len(sequences) == 0 {
		return nil, ErrEmptyDataset
	}
	ctx := t.ctx
	nominalBatchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 25)
	patience := context.GetParamOr(ctx, ParamPatience, 5)
	temperature := context.GetParamOr(ctx, ParamTemperature, 0.5)
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)

	batchSize := EffectiveBatchSize(nominalBatchSize, len(sequences))
	if batchSize != nominalBatchSize {
		klog.Warningf("dataset too small (%d sequences): reducing batch size from %d to %d",
			len(sequences), nominalBatchSize, batchSize)
	}
	if len(sequences) < batchSize {
		return nil, errors.Wrapf(ErrBatchTooSmall, "got %d sequence(s)", len(sequences))
	}
	numBatches := len(sequences) / batchSize

	seed := uint64(context.GetParamOr(ctx, ParamSeed, 0))
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	augmenter, err := augment.New(t.augmentation, seed)
	if err != nil {
		return nil, err
	}
	shuffler := rand.New(rand.NewPCG(seed+1, seed))
	if err = ctx.SetRNGStateFromSeed(int64(seed >> 1)); err != nil {
		return nil, errors.WithMessage(err, "failed to seed the model random state")
	}

	trainer := train.NewTrainer(t.backend, ctx.In(stgcn.ModelScope), stgcn.ModelGraph,
		LossFn(temperature),
		optimizers.Adam().LearningRate(learningRate).Done(),
		nil, nil) // trainMetrics, evalMetrics
	labels := PositiveIndicesTensor(batchSize)

	result := &Result{BestLoss: math.Inf(1), BatchSize: batchSize}
	stopper := newEarlyStopper(patience)
	klog.Infof("starting contrastive training: %d sequences, batch size %d, %d batches/epoch, %d epochs",
		len(sequences), batchSize, numBatches, numEpochs)
	t.report(0, numEpochs, 0, StartMessage)

	views := make([]motion.Sequence, 2*batchSize)
	for epoch := range numEpochs {
		order := shuffler.Perm(len(sequences))
		batchLosses := make([]float64, 0, numBatches)
		for batchIdx := range numBatches {
			if err := goCtx.Err(); err != nil {
				return result, errors.Wrapf(ErrCancelled, "epoch %d, batch %d: %v", epoch+1, batchIdx, err)
			}
			for ii := range batchSize {
				source := sequences[order[batchIdx*batchSize+ii]]
				views[ii], views[ii+batchSize] = augmenter.Pair(source)
			}
			inputs, err := motion.BatchTensor(views)
			if err != nil {
				return result, err
			}
			start := time.Now()
			stepMetrics, err := trainer.TrainStep(nil, []*tensors.Tensor{inputs}, []*tensors.Tensor{labels})
			if err != nil {
				return result, errors.WithMessagef(err, "training step failed at epoch %d, batch %d", epoch+1, batchIdx)
			}
			metrics.TrainingStepDuration.Observe(time.Since(start).Seconds())
			loss := float64(stepMetrics[0].Value().(float32))
			klog.V(1).Infof("epoch %d, batch %d/%d: loss=%.4f", epoch+1, batchIdx+1, numBatches, loss)
			batchLosses = append(batchLosses, loss)
			inputs.MustFinalizeAll()
		}

		meanLoss := stat.Mean(batchLosses, nil)
		result.LastLoss = meanLoss
		result.Epochs = epoch + 1
		metrics.TrainingEpochs.WithLabelValues(t.exercise).Inc()
		metrics.TrainingEpochLoss.WithLabelValues(t.exercise).Set(meanLoss)
		klog.Infof("epoch [%d/%d], loss: %.4f", epoch+1, numEpochs, meanLoss)
		t.report(epoch+1, numEpochs, meanLoss, fmt.Sprintf(EpochMessageFmt, epoch+1))

		improved, stop := stopper.observe(meanLoss)
		if improved {
			result.BestLoss = meanLoss
			if t.checkpointPath != "" {
				meta, err := artifact.Save(ctx, t.checkpointPath, artifact.Metadata{
					ExerciseID:    t.exercise,
					FinalLoss:     meanLoss,
					EpochsTrained: epoch + 1,
				})
				if err != nil {
					return result, errors.WithMessagef(err, "failed to checkpoint at epoch %d", epoch+1)
				}
				result.Artifact = meta
				metrics.CheckpointsSaved.Inc()
				klog.V(1).Infof(" -> model saved (loss: %.4f)", meanLoss)
			}
		}
		if stop {
			result.StoppedEarly = true
			klog.Infof("early stop at epoch %d", epoch+1)
			t.report(epoch+1, numEpochs, meanLoss, fmt.Sprintf(EarlyStopMessageFmt, epoch+1))
			break
		}
	}
	return result, nil
}

// earlyStopper tracks the best loss and the number of epochs since it last improved.
type earlyStopper struct {
	best     float64
	patience int
	count    int
}

func newEarlyStopper(patience int) *earlyStopper {
	return &earlyStopper{best: math.Inf(1), patience: patience}
}

// observe records the loss of an epoch, and returns whether it improved on the best so far, and whether
// training should stop.
func (s *earlyStopper) observe(loss float64) (improved, stop bool) {
	if loss < s.best {
		s.best = loss
		s.count = 0
		return true, false
	}
	s.count++
	return false, s.count >= s.patience
}

// Train is a convenience wrapper that trains a new encoder with the hyperparameters in ctx and saves
// it to checkpointPath whenever the loss improves.
func Train(goCtx gocontext.Context, backend backends.Backend, ctx *context.Context, sequences []motion.Sequence,
	progress ProgressFn, checkpointPath string) (*Result, error) {
	t, err := New(backend, ctx)
	if err != nil {
		return nil, err
	}
	return t.WithProgress(progress).CheckpointPath(checkpointPath).Train(goCtx, sequences)
}
