// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// motionsim trains skeleton motion encoders, embeds motion clips and scores them against references.
//
// Usage:
//
//	motionsim [flags] train -exercise=squat
//	motionsim [flags] embed -in=clip.json [-model=trained_models/model_squat_1700000000] [-out=embeddings.json]
//	motionsim [flags] score -user=clip.json -ref=ref1.json[,ref2.json...] [-model=...]
//	motionsim [flags] inspect -model=trained_models/model_squat_1700000000 [-vars]
//
// Clips are JSON files with either {"frames": [[[x,y,z] x 25], ...]} or
// {"landmarks": [[{"joint_index":0,"x":...,"y":...,"z":...,"confidence":...}, ...], ...]}.
//
// Service settings come from a YAML file (-config), MOTIONSIM_* environment variables and the flags below.
// Model hyperparameters can be set with -set="param=value;...".
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/motionsim/internal/config"
	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/gomlx/motionsim/pkg/contrastive"
	"github.com/gomlx/motionsim/pkg/inference"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig      = flag.String("config", "", "YAML configuration file. Defaults to $MOTIONSIM_CONFIG or ./motionsim.yaml if present.")
	flagDataDir     = flag.String("data", "", "Directory with one sub-directory of JSON clips per exercise. Overrides data_dir.")
	flagModelsDir   = flag.String("models", "", "Directory where trained models are saved. Overrides models_dir.")
	flagMetricsAddr = flag.String("metrics_addr", "", "Address to serve Prometheus metrics on, e.g. \":9090\". Overrides metrics_addr.")
	flagWorkers     = flag.Int("workers", 0, "Number of inference micro-batches encoded in parallel. Overrides inference.workers.")

	flagExercise = flag.String("exercise", "", "train: name of the exercise to train.")
	flagModel    = flag.String("model", "", "embed, score, inspect: path of a trained model. embed and score fall back "+
		"to randomly initialized weights if it cannot be loaded.")
	flagIn         = flag.String("in", "", "embed: clip to embed.")
	flagOut        = flag.String("out", "", "embed: output file for the embeddings. Defaults to stdout.")
	flagUser       = flag.String("user", "", "score: the user clip.")
	flagRef        = flag.String("ref", "", "score: comma-separated reference clips.")
	flagEmbeddings = flag.Bool("embeddings", false, "score: -user and -ref are embedding files (written by embed) instead of clips.")
	flagWindow     = flag.Int("window", 0, "score: maximum alignment deviation in frames, 0 for unconstrained.")
	flagJSON       = flag.Bool("json", false, "score: print the results as JSON.")
	flagVars       = flag.Bool("vars", false, "inspect: list the model variables.")
)

// createDefaultContext returns a context with the default hyperparameters, so they can be listed and set with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Encoder.
		stgcn.ParamBaseChannels:   64,
		stgcn.ParamEmbeddingDim:   128,
		stgcn.ParamKernelSize:     9,
		stgcn.ParamDropout:        0.0,
		stgcn.ParamTemporalStride: 1,
		stgcn.ParamStrategy:       skeleton.Spatial.String(),

		// Training.
		contrastive.ParamBatchSize:   32,
		contrastive.ParamEpochs:      25,
		contrastive.ParamPatience:    5,
		contrastive.ParamTemperature: 0.5,
		contrastive.ParamSeed:        0,
		optimizers.ParamLearningRate: contrastive.DefaultLearningRate,
	})
	return ctx
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] {train|embed|score|inspect}\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := must.M1(config.Load(*flagConfig))
	applyFlags(cfg)
	must.M(cfg.Validate())
	cfg.ApplyHyperparameters(ctx)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("hyperparameters:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	serveMetrics(cfg.MetricsAddr)

	goCtx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := flag.Arg(0); command {
	case "train":
		err = runTrain(goCtx, cfg, must.M1(cfg.NewBackend()), ctx)
	case "embed":
		err = runEmbed(goCtx, cfg, must.M1(cfg.NewBackend()), ctx)
	case "score":
		err = runScore(goCtx, cfg, ctx)
	case "inspect":
		err = runInspect(os.Stdout, *flagModel, *flagVars)
	default:
		klog.Errorf("unknown command %q", command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		klog.Errorf("%s failed: %+v", flag.Arg(0), err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// applyFlags overrides the configuration with the flags given.
func applyFlags(cfg *config.Config) {
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagModelsDir != "" {
		cfg.ModelsDir = *flagModelsDir
	}
	if *flagMetricsAddr != "" {
		cfg.MetricsAddr = *flagMetricsAddr
	}
	if *flagWorkers > 0 {
		cfg.Inference.Workers = *flagWorkers
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		klog.Infof("serving metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server: %v", err)
		}
	}()
}

func newService(cfg *config.Config, backend backends.Backend, ctx *context.Context) (*inference.Service, error) {
	return inference.New(backend, ctx).
		CacheSize(cfg.ModelCacheSize).
		Workers(cfg.Inference.Workers).
		Done()
}
