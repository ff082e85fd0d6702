// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus instruments of the motion similarity engine.
//
// Instruments are registered with the default registry on package initialization; Handler exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Training metrics.
	TrainingEpochs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motionsim_training_epochs_total",
			Help: "Total number of completed training epochs",
		},
		[]string{"exercise"},
	)

	TrainingEpochLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "motionsim_training_epoch_loss",
			Help: "Mean NT-Xent loss of the last completed epoch",
		},
		[]string{"exercise"},
	)

	TrainingStepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "motionsim_training_step_duration_seconds",
			Help:    "Duration of one contrastive training step",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	CheckpointsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motionsim_checkpoints_saved_total",
			Help: "Total number of model artifacts saved on loss improvement",
		},
	)

	// Job metrics.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motionsim_training_jobs_finished_total",
			Help: "Total number of training jobs finished, by terminal status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "motionsim_training_jobs_running",
			Help: "Current number of running training jobs",
		},
	)

	// Inference metrics.
	InferenceWindows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motionsim_inference_windows_total",
			Help: "Total number of sliding windows encoded",
		},
	)

	InferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "motionsim_inference_duration_seconds",
			Help:    "Duration of the embedding of one motion sequence",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModelReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motionsim_model_reloads_total",
			Help: "Total number of model reload attempts, by result",
		},
		[]string{"result"}, // "loaded", "cached", "failed"
	)

	// Scoring metrics.
	ScoresComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motionsim_scores_computed_total",
			Help: "Total number of similarity scores computed",
		},
	)

	ScoreValues = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "motionsim_score_value",
			Help:    "Distribution of similarity scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
		},
	)
)

// Handler returns the HTTP handler serving the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
