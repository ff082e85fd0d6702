// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/internal/config"
	"github.com/gomlx/motionsim/pkg/jobs"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// statusPollInterval is how often the training progress is refreshed.
const statusPollInterval = 250 * time.Millisecond

// runTrain trains a model for -exercise on the clips of the data directory, reloads it and refreshes the
// exercise's reference embeddings. An interrupt cancels the training.
func runTrain(goCtx gocontext.Context, cfg *config.Config, backend backends.Backend, ctx *context.Context) error {
	exercise := *flagExercise
	if exercise == "" {
		return errors.New("train requires -exercise")
	}
	service, err := newService(cfg, backend, ctx)
	if err != nil {
		return err
	}
	source := jobs.DirSource{Dir: cfg.DataDir}
	manager := jobs.NewManager(backend, ctx, source).
		WithModelsDir(cfg.ModelsDir).
		WithReloader(service).
		WithRefresher(jobs.EmbeddingsRefresher{Source: source, Embedder: service})
	defer manager.Close()

	job, err := manager.Submit(goCtx, exercise)
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(job.TotalEpochs,
		progressbar.OptionSetDescription(job.Message),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	interrupted := goCtx.Done()
	for !job.Status.Terminal() {
		select {
		case <-interrupted:
			klog.Warningf("interrupted: cancelling training of %q", exercise)
			if err := manager.Cancel(exercise); err != nil {
				klog.Errorf("failed to cancel training: %v", err)
			}
			interrupted = nil
		case <-ticker.C:
		}
		job = manager.Status(exercise)
		_ = bar.Set(job.Epoch)
		bar.Describe(fmt.Sprintf("%s (loss %.4f)", job.Message, job.Loss))
	}
	_ = bar.Finish()
	_, _ = fmt.Fprintln(os.Stderr)

	encoded, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode job status")
	}
	fmt.Println(string(encoded))
	if job.Status != jobs.StatusCompleted {
		return errors.Errorf("training of %q failed: %s", exercise, job.Message)
	}
	return nil
}
